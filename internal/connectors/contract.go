// Package connectors defines the data connector capability contract and the
// process-wide connector registry. A connector is a thin adapter between a
// dataset definition and the schema-and-stream contract the engine consumes;
// everything backend-specific stays behind the DataConnector interface.
package connectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"helios-runtime/internal/params"
)

// Dataset is the connector-facing view of a configured dataset: a name bound
// to a `<prefix>:<locator>` source URI plus resolved parameters.
type Dataset struct {
	Name   string
	From   string
	Params *params.Parameters

	// TimeColumn and TimeFormat drive incremental refresh windows and
	// partition pruning for sources that declare them.
	TimeColumn          string
	TimeFormat          string
	PartitionColumn     string
	PartitionTimeFormat string
}

// Prefix returns the connector prefix of the source URI.
func (d Dataset) Prefix() string {
	if i := strings.Index(d.From, ":"); i >= 0 {
		return d.From[:i]
	}
	return d.From
}

// Locator returns the source URI with the connector prefix stripped.
func (d Dataset) Locator() string {
	if i := strings.Index(d.From, ":"); i >= 0 {
		return d.From[i+1:]
	}
	return ""
}

// ============================================================================
// SCAN CONTRACT
// ============================================================================

// CompareOp is a comparison operator in a pushed-down filter.
type CompareOp string

const (
	OpEq    CompareOp = "="
	OpNotEq CompareOp = "<>"
	OpGt    CompareOp = ">"
	OpGtEq  CompareOp = ">="
	OpLt    CompareOp = "<"
	OpLtEq  CompareOp = "<="
)

// Filter is a single column comparison pushed down to a source. Filters in a
// ScanRequest are AND-composed.
type Filter struct {
	Column string
	Op     CompareOp
	Value  any
}

// String renders the filter as a SQL predicate fragment for SQL-speaking
// sources.
func (f Filter) String() string {
	return fmt.Sprintf("%s %s %s", quoteIdent(f.Column), f.Op, renderLiteral(f.Value))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func renderLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case nil:
		return "NULL"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// PushdownKind describes how faithfully a source applies a filter.
type PushdownKind int

const (
	// PushdownExact filters are fully applied at the source.
	PushdownExact PushdownKind = iota
	// PushdownInexact filters reduce the scan but may return extra rows.
	PushdownInexact
	// PushdownUnsupported filters are ignored by the source.
	PushdownUnsupported
)

// ScanRequest carries projection, filters and limit for a table scan.
type ScanRequest struct {
	// Projection lists column indices to return; nil means all columns.
	Projection []int
	// Filters are AND-composed predicates the source may push down.
	Filters []Filter
	// Limit caps the number of rows; nil means unbounded.
	Limit *int64
}

// TableProvider plans scans over a single table.
type TableProvider interface {
	// Schema returns the table schema; a single idempotent round trip.
	Schema(ctx context.Context) (*arrow.Schema, error)
	// Scan starts streaming execution of the request.
	Scan(ctx context.Context, req ScanRequest) (BatchStream, error)
	// PushdownSupport reports, per filter, how the source applies it.
	PushdownSupport(filters []Filter) []PushdownKind
}

// ============================================================================
// WRITE / CDC / METADATA CAPABILITIES
// ============================================================================

// InsertResult acknowledges an ingest stream.
type InsertResult struct {
	RowsWritten int64
}

// WritableTableProvider adds an insert path to a TableProvider.
type WritableTableProvider interface {
	TableProvider
	// Insert drains the stream into the table, appending in stream order.
	Insert(ctx context.Context, stream BatchStream) (InsertResult, error)
}

// ChangeOp distinguishes CDC record kinds.
type ChangeOp int

const (
	ChangeUpsert ChangeOp = iota
	ChangeDelete
)

// Change is a single CDC record with its commit token.
type Change struct {
	Op          ChangeOp
	Key         []any
	Data        arrow.Record
	CommitToken string
}

// ChangeStream is a restartable commit-ordered stream of changes.
type ChangeStream interface {
	// Next blocks for the next change; io.EOF signals a clean end.
	Next(ctx context.Context) (Change, error)
	// Commit acknowledges everything up to and including token.
	Commit(ctx context.Context, token string) error
	Close()
}

// SQLScanner is implemented by providers whose backend can evaluate SQL
// directly. The acceleration refresher uses it to run a custom refresh SQL
// at the source instead of a full scan.
type SQLScanner interface {
	ScanSQL(ctx context.Context, sql string) (BatchStream, error)
}

// MetadataProvider enumerates schemas and tables of a source.
type MetadataProvider interface {
	SchemaNames(ctx context.Context) ([]string, error)
	TableNames(ctx context.Context, schema string) ([]string, error)
}

// ============================================================================
// DATA CONNECTOR
// ============================================================================

// DataConnector is the capability object every backend adapter implements.
// ReadProvider is mandatory; the optional capabilities are discovered with
// type assertions by the runtime.
type DataConnector interface {
	// ReadProvider returns the scan planner for a dataset.
	ReadProvider(ctx context.Context, dataset Dataset) (TableProvider, error)
}

// ReadWriteConnector additionally serves writable providers.
type ReadWriteConnector interface {
	DataConnector
	ReadWriteProvider(ctx context.Context, dataset Dataset) (WritableTableProvider, error)
}

// StreamConnector additionally serves CDC change streams.
type StreamConnector interface {
	DataConnector
	StreamProvider(ctx context.Context, dataset Dataset) (ChangeStream, error)
}

// MetadataConnector additionally enumerates source schemas and tables.
type MetadataConnector interface {
	DataConnector
	MetadataProvider(ctx context.Context) (MetadataProvider, error)
}
