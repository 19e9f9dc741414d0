// Package file implements the local file connector: a dataset points at a
// parquet or CSV file, or a directory of them laid out with hive-style
// `col=value` partition directories. Partition predicates prune directories
// before any file is opened.
package file

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

// Prefix is the connector prefix for local files. Delta-style partitioned
// directories are served under the same connector via the delta_lake alias.
const Prefix = "file"

// DeltaPrefix aliases the connector for delta-style partitioned table dirs.
const DeltaPrefix = "delta_lake"

// Factory creates file connectors.
type Factory struct {
	prefix string
}

// NewFactory creates a factory for the given prefix spelling.
func NewFactory(prefix string) *Factory {
	return &Factory{prefix: prefix}
}

// Prefix implements connectors.Factory.
func (f *Factory) Prefix() string { return f.prefix }

// ParameterSpecs implements connectors.Factory.
func (f *Factory) ParameterSpecs() []params.Spec {
	return []params.Spec{
		params.Spec{Name: "file_format", Scope: params.ScopeComponent}.WithDefault(""),
		params.Spec{Name: "batch_rows", Scope: params.ScopeRuntime}.WithDefault("8192"),
	}
}

// Create implements connectors.Factory.
func (f *Factory) Create(_ context.Context, p *params.Parameters) (connectors.DataConnector, error) {
	return &Connector{format: p.Get("file_format").Expose()}, nil
}

// Connector serves local file providers.
type Connector struct {
	format string
}

// ReadProvider implements connectors.DataConnector.
func (c *Connector) ReadProvider(_ context.Context, dataset connectors.Dataset) (connectors.TableProvider, error) {
	root := dataset.Locator()
	if _, err := os.Stat(root); err != nil {
		return nil, rterrors.NotFound("UNKNOWN_PATH", "dataset path does not exist").
			WithResource(root).WithCause(err).Build()
	}
	return &Provider{root: root, format: c.format}, nil
}

// fragment is one data file plus the partition values encoded in its path.
type fragment struct {
	path       string
	partitions map[string]string
}

// Provider plans scans over a file or partitioned directory.
type Provider struct {
	root   string
	format string
}

// Schema implements connectors.TableProvider: the file schema of the first
// fragment plus one utf8 column per partition key.
func (p *Provider) Schema(ctx context.Context) (*arrow.Schema, error) {
	fragments, partitionCols, err := p.listFragments()
	if err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return nil, rterrors.NotFound("EMPTY_TABLE", "no data files under path").
			WithResource(p.root).Build()
	}
	fileSchema, err := readFileSchema(ctx, fragments[0].path, p.format)
	if err != nil {
		return nil, err
	}
	return appendPartitionFields(fileSchema, partitionCols), nil
}

// PushdownSupport implements connectors.TableProvider. Partition-column
// filters prune whole directories but files are not row-filtered, so the
// push-down is inexact.
func (p *Provider) PushdownSupport(filters []connectors.Filter) []connectors.PushdownKind {
	_, partitionCols, err := p.listFragments()
	kinds := make([]connectors.PushdownKind, len(filters))
	for i, f := range filters {
		kinds[i] = connectors.PushdownUnsupported
		if err == nil && contains(partitionCols, f.Column) {
			kinds[i] = connectors.PushdownInexact
		}
	}
	return kinds
}

// Scan implements connectors.TableProvider.
func (p *Provider) Scan(ctx context.Context, req connectors.ScanRequest) (connectors.BatchStream, error) {
	fragments, partitionCols, err := p.listFragments()
	if err != nil {
		return nil, err
	}
	fragments = pruneFragments(fragments, req.Filters)

	schema, err := p.Schema(ctx)
	if err != nil {
		return nil, err
	}
	stream, writer := connectors.NewChannelStream(schema)
	go func() {
		writer.CloseSend(p.pump(ctx, fragments, partitionCols, schema, req, writer))
	}()
	return stream, nil
}

func (p *Provider) pump(ctx context.Context, fragments []fragment, partitionCols []string,
	schema *arrow.Schema, req connectors.ScanRequest, writer *connectors.StreamWriter) error {
	var remaining int64 = -1
	if req.Limit != nil {
		remaining = *req.Limit
	}
	for _, frag := range fragments {
		if remaining == 0 {
			return nil
		}
		n, err := readFragment(ctx, frag, partitionCols, schema, p.format, remaining, writer)
		if err != nil {
			return err
		}
		if remaining > 0 {
			remaining -= n
			if remaining < 0 {
				remaining = 0
			}
		}
	}
	return nil
}

// listFragments walks the root, collecting data files and the partition keys
// present in their paths. Partition keys are ordered by directory depth.
func (p *Provider) listFragments() ([]fragment, []string, error) {
	info, err := os.Stat(p.root)
	if err != nil {
		return nil, nil, rterrors.NotFound("UNKNOWN_PATH", "dataset path does not exist").
			WithResource(p.root).WithCause(err).Build()
	}
	if !info.IsDir() {
		return []fragment{{path: p.root, partitions: map[string]string{}}}, nil, nil
	}

	var fragments []fragment
	colOrder := []string{}
	seenCols := map[string]bool{}

	err = filepath.Walk(p.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() || !isDataFile(path) {
			return err
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return relErr
		}
		partitions := map[string]string{}
		for _, segment := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
			if key, value, ok := strings.Cut(segment, "="); ok {
				partitions[key] = value
				if !seenCols[key] {
					seenCols[key] = true
					colOrder = append(colOrder, key)
				}
			}
		}
		fragments = append(fragments, fragment{path: path, partitions: partitions})
		return nil
	})
	if err != nil {
		return nil, nil, rterrors.Internal("LISTING_FAILED", "failed to walk dataset path").
			WithResource(p.root).WithCause(err).Build()
	}
	sort.Slice(fragments, func(i, j int) bool { return fragments[i].path < fragments[j].path })
	return fragments, colOrder, nil
}

func isDataFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".csv":
		return true
	default:
		return false
	}
}

// pruneFragments drops fragments whose partition values cannot satisfy the
// filters. Values compare as dates when both sides parse as dates and as
// strings otherwise.
func pruneFragments(fragments []fragment, filters []connectors.Filter) []fragment {
	if len(filters) == 0 {
		return fragments
	}
	var kept []fragment
	for _, frag := range fragments {
		if fragmentMatches(frag, filters) {
			kept = append(kept, frag)
		}
	}
	return kept
}

func fragmentMatches(frag fragment, filters []connectors.Filter) bool {
	for _, f := range filters {
		value, ok := frag.partitions[f.Column]
		if !ok {
			continue // not a partition column; cannot prune on it
		}
		want, ok := f.Value.(string)
		if !ok {
			continue
		}
		if !compareStrings(value, f.Op, want) {
			return false
		}
	}
	return true
}

func compareStrings(have string, op connectors.CompareOp, want string) bool {
	cmp := comparePartitionValues(have, want)
	switch op {
	case connectors.OpEq:
		return cmp == 0
	case connectors.OpNotEq:
		return cmp != 0
	case connectors.OpGt:
		return cmp > 0
	case connectors.OpGtEq:
		return cmp >= 0
	case connectors.OpLt:
		return cmp < 0
	case connectors.OpLtEq:
		return cmp <= 0
	default:
		return true
	}
}

// comparePartitionValues compares two partition values, ordering them as
// dates when both parse as ISO dates (including extended years like
// `+10999-12-31`, where plain string ordering gets it wrong).
func comparePartitionValues(a, b string) int {
	ad, aok := parseISODate(a)
	bd, bok := parseISODate(b)
	if aok && bok {
		switch {
		case ad < bd:
			return -1
		case ad > bd:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// parseISODate turns `[+]Y...Y-MM-DD` into a comparable ordinal.
func parseISODate(s string) (int64, bool) {
	s = strings.TrimPrefix(s, "+")
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return 0, false
	}
	var fields [3]int64
	for i, p := range parts {
		if p == "" {
			return 0, false
		}
		var n int64
		for _, r := range p {
			if r < '0' || r > '9' {
				return 0, false
			}
			n = n*10 + int64(r-'0')
		}
		fields[i] = n
	}
	return fields[0]*10000 + fields[1]*100 + fields[2], true
}

func contains(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}

func appendPartitionFields(schema *arrow.Schema, partitionCols []string) *arrow.Schema {
	if len(partitionCols) == 0 {
		return schema
	}
	fields := make([]arrow.Field, 0, schema.NumFields()+len(partitionCols))
	fields = append(fields, schema.Fields()...)
	for _, col := range partitionCols {
		if schema.HasField(col) {
			continue
		}
		fields = append(fields, arrow.Field{Name: col, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}
