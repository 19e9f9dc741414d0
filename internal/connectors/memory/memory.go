// Package memory implements an in-process connector. The runtime serves
// `memory:` datasets from it and tests use it as a writable source with
// observable scan counts.
package memory

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"

	"helios-runtime/internal/arrowutil"
	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

// Prefix is the connector prefix for in-process tables.
const Prefix = "memory"

// Factory creates memory connectors backed by a shared table set.
type Factory struct {
	tables *TableSet
}

// NewFactory creates a factory over a table set.
func NewFactory(tables *TableSet) *Factory {
	return &Factory{tables: tables}
}

// Prefix implements connectors.Factory.
func (f *Factory) Prefix() string { return Prefix }

// ParameterSpecs implements connectors.Factory.
func (f *Factory) ParameterSpecs() []params.Spec { return nil }

// Create implements connectors.Factory.
func (f *Factory) Create(_ context.Context, _ *params.Parameters) (connectors.DataConnector, error) {
	return &Connector{tables: f.tables}, nil
}

// TableSet is a concurrent named collection of in-memory tables.
type TableSet struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewTableSet creates an empty table set.
func NewTableSet() *TableSet {
	return &TableSet{tables: make(map[string]*Table)}
}

// CreateTable registers an empty table under name.
func (s *TableSet) CreateTable(name string, schema *arrow.Schema) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Table{schema: schema}
	s.tables[name] = t
	return t
}

// Get looks up a table.
func (s *TableSet) Get(name string) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	return t, ok
}

// Table is an in-memory table: a schema plus appended record batches.
type Table struct {
	mu     sync.RWMutex
	schema *arrow.Schema
	recs   []arrow.Record

	// scanCount observes source reads; the cache-soundness tests assert it
	// does not increment on cache hits.
	scanCount atomic.Int64
}

// Schema returns the table schema.
func (t *Table) Schema() *arrow.Schema { return t.schema }

// Append adds a batch, retaining it.
func (t *Table) Append(rec arrow.Record) {
	rec.Retain()
	t.mu.Lock()
	t.recs = append(t.recs, rec)
	t.mu.Unlock()
}

// NumRows returns the current total row count.
func (t *Table) NumRows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, r := range t.recs {
		n += r.NumRows()
	}
	return n
}

// ScanCount returns how many scans have been started against the table.
func (t *Table) ScanCount() int64 { return t.scanCount.Load() }

// Connector adapts a TableSet to the connector contract.
type Connector struct {
	tables *TableSet
}

// ReadProvider implements connectors.DataConnector.
func (c *Connector) ReadProvider(_ context.Context, dataset connectors.Dataset) (connectors.TableProvider, error) {
	return c.provider(dataset)
}

// ReadWriteProvider implements connectors.ReadWriteConnector.
func (c *Connector) ReadWriteProvider(_ context.Context, dataset connectors.Dataset) (connectors.WritableTableProvider, error) {
	return c.provider(dataset)
}

func (c *Connector) provider(dataset connectors.Dataset) (*Provider, error) {
	table, ok := c.tables.Get(dataset.Locator())
	if !ok {
		return nil, rterrors.NotFound("UNKNOWN_TABLE",
			"memory table "+dataset.Locator()+" does not exist").Build()
	}
	return &Provider{table: table}, nil
}

// Provider serves scans over one memory table.
type Provider struct {
	table *Table
}

// Schema implements connectors.TableProvider.
func (p *Provider) Schema(_ context.Context) (*arrow.Schema, error) {
	return p.table.schema, nil
}

// PushdownSupport implements connectors.TableProvider: memory tables apply
// nothing at the source.
func (p *Provider) PushdownSupport(filters []connectors.Filter) []connectors.PushdownKind {
	kinds := make([]connectors.PushdownKind, len(filters))
	for i := range kinds {
		kinds[i] = connectors.PushdownUnsupported
	}
	return kinds
}

// Scan implements connectors.TableProvider.
func (p *Provider) Scan(_ context.Context, req connectors.ScanRequest) (connectors.BatchStream, error) {
	p.table.scanCount.Add(1)
	p.table.mu.RLock()
	recs := make([]arrow.Record, len(p.table.recs))
	copy(recs, p.table.recs)
	p.table.mu.RUnlock()

	if req.Limit != nil {
		limited := limitRecords(recs, *req.Limit)
		stream := connectors.NewSliceStream(p.table.schema, limited)
		for _, r := range limited {
			r.Release()
		}
		return stream, nil
	}
	return connectors.NewSliceStream(p.table.schema, recs), nil
}

func limitRecords(recs []arrow.Record, limit int64) []arrow.Record {
	var out []arrow.Record
	remaining := limit
	for _, r := range recs {
		if remaining <= 0 {
			break
		}
		out = append(out, arrowutil.SliceHead(r, remaining))
		remaining -= r.NumRows()
	}
	return out
}

// Insert implements connectors.WritableTableProvider.
func (p *Provider) Insert(ctx context.Context, stream connectors.BatchStream) (connectors.InsertResult, error) {
	defer stream.Close()
	var rows int64
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return connectors.InsertResult{RowsWritten: rows}, err
		}
		p.table.Append(rec)
		rows += rec.NumRows()
		rec.Release()
	}
	return connectors.InsertResult{RowsWritten: rows}, nil
}
