// Package duckdb implements the connector for external DuckDB database
// files. The locator is a table name, optionally dot-qualified, resolved in
// the database opened from the `duckdb_open` parameter; it is not split into
// a file path and a table.
package duckdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
	"helios-runtime/internal/store"
)

// Prefix is the connector prefix.
const Prefix = "duckdb"

// Factory creates DuckDB connectors.
type Factory struct{}

// Prefix implements connectors.Factory.
func (Factory) Prefix() string { return Prefix }

// ParameterSpecs implements connectors.Factory.
func (Factory) ParameterSpecs() []params.Spec {
	return []params.Spec{
		{Name: "open", Scope: params.ScopeComponent},
	}
}

// Create implements connectors.Factory.
func (Factory) Create(_ context.Context, p *params.Parameters) (connectors.DataConnector, error) {
	path := p.Get("open").Expose()
	st, err := store.Open(path, nil)
	if err != nil {
		return nil, err
	}
	return &Connector{store: st}, nil
}

// Connector serves providers over one DuckDB database.
type Connector struct {
	store *store.Store
}

// ReadProvider implements connectors.DataConnector.
func (c *Connector) ReadProvider(_ context.Context, dataset connectors.Dataset) (connectors.TableProvider, error) {
	table := dataset.Locator()
	if table == "" {
		return nil, rterrors.InvalidArgument("BAD_LOCATOR",
			"duckdb locator must name a table").WithResource(dataset.Name).Build()
	}
	return &Provider{store: c.store, table: table}, nil
}

// MetadataProvider implements connectors.MetadataConnector.
func (c *Connector) MetadataProvider(_ context.Context) (connectors.MetadataProvider, error) {
	return &metadata{store: c.store}, nil
}

// Provider plans scans over one DuckDB table.
type Provider struct {
	store *store.Store
	table string
}

// Schema implements connectors.TableProvider.
func (p *Provider) Schema(ctx context.Context) (*arrow.Schema, error) {
	return p.store.Describe(ctx, "SELECT * FROM "+quote(p.table))
}

// PushdownSupport implements connectors.TableProvider: DuckDB evaluates
// every pushed comparison exactly.
func (p *Provider) PushdownSupport(filters []connectors.Filter) []connectors.PushdownKind {
	kinds := make([]connectors.PushdownKind, len(filters))
	for i := range kinds {
		kinds[i] = connectors.PushdownExact
	}
	return kinds
}

// Scan implements connectors.TableProvider.
func (p *Provider) Scan(ctx context.Context, req connectors.ScanRequest) (connectors.BatchStream, error) {
	projection := "*"
	if len(req.Projection) > 0 {
		schema, err := p.Schema(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(req.Projection))
		for i, idx := range req.Projection {
			names[i] = `"` + schema.Field(idx).Name + `"`
		}
		projection = strings.Join(names, ", ")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", projection, quote(p.table))
	if len(req.Filters) > 0 {
		preds := make([]string, len(req.Filters))
		for i, f := range req.Filters {
			preds[i] = f.String()
		}
		fmt.Fprintf(&sb, " WHERE %s", strings.Join(preds, " AND "))
	}
	if req.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *req.Limit)
	}
	return p.store.QueryStream(ctx, sb.String())
}

// ScanSQL implements connectors.SQLScanner.
func (p *Provider) ScanSQL(ctx context.Context, sql string) (connectors.BatchStream, error) {
	return p.store.QueryStream(ctx, sql)
}

func quote(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

type metadata struct {
	store *store.Store
}

func (m *metadata) SchemaNames(ctx context.Context) ([]string, error) {
	return m.collect(ctx,
		"SELECT DISTINCT table_schema FROM information_schema.tables WHERE table_schema NOT IN ('information_schema','pg_catalog')")
}

func (m *metadata) TableNames(ctx context.Context, schema string) ([]string, error) {
	return m.collect(ctx, fmt.Sprintf(
		"SELECT table_name FROM information_schema.tables WHERE table_schema = '%s'",
		strings.ReplaceAll(schema, "'", "''")))
}

func (m *metadata) collect(ctx context.Context, sql string) ([]string, error) {
	rows, err := m.store.DB().QueryContext(ctx, sql)
	if err != nil {
		return nil, rterrors.Unavailable("DUCKDB_METADATA", "metadata query failed").WithCause(err).Build()
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
