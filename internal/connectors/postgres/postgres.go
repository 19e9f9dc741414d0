// Package postgres implements the Postgres data connector on pgx. Filters,
// projection and limits push down as SQL; the connector is writable and
// serves a commit-ordered change feed for Changes-mode accelerations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

// Prefix is the connector prefix.
const Prefix = "postgres"

const scanBatchRows = 8192

// Factory creates Postgres connectors.
type Factory struct{}

// Prefix implements connectors.Factory.
func (Factory) Prefix() string { return Prefix }

// ParameterSpecs implements connectors.Factory.
func (Factory) ParameterSpecs() []params.Spec {
	return []params.Spec{
		{Name: "host", Scope: params.ScopeComponent, Required: true},
		params.Spec{Name: "port", Scope: params.ScopeComponent}.WithDefault("5432"),
		{Name: "user", Scope: params.ScopeComponent, Required: true},
		{Name: "pass", Scope: params.ScopeComponent, Secret: true},
		{Name: "db", Scope: params.ScopeComponent, Required: true},
		params.Spec{Name: "sslmode", Scope: params.ScopeComponent}.WithDefault("prefer"),
		params.Spec{Name: "connection_pool_size", Scope: params.ScopeRuntime}.WithDefault("10"),
	}
}

// Create implements connectors.Factory.
func (Factory) Create(ctx context.Context, p *params.Parameters) (connectors.DataConnector, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.Get("user").Expose(), p.Get("pass").Expose(),
		p.Get("host").Expose(), p.Get("port").Expose(),
		p.Get("db").Expose(), p.Get("sslmode").Expose())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, rterrors.Unavailable("POSTGRES_CONNECT", "failed to create connection pool").
			WithCause(err).Build()
	}
	return &Connector{pool: pool}, nil
}

// Connector holds a pgx connection pool.
type Connector struct {
	pool *pgxpool.Pool
}

// ReadProvider implements connectors.DataConnector.
func (c *Connector) ReadProvider(ctx context.Context, dataset connectors.Dataset) (connectors.TableProvider, error) {
	return &Provider{pool: c.pool, table: dataset.Locator()}, nil
}

// ReadWriteProvider implements connectors.ReadWriteConnector.
func (c *Connector) ReadWriteProvider(ctx context.Context, dataset connectors.Dataset) (connectors.WritableTableProvider, error) {
	return &Provider{pool: c.pool, table: dataset.Locator()}, nil
}

// StreamProvider implements connectors.StreamConnector. The change feed reads
// the audit table `<table>_changes` in commit order; Commit persists the
// acknowledged position so the stream is restartable.
func (c *Connector) StreamProvider(ctx context.Context, dataset connectors.Dataset) (connectors.ChangeStream, error) {
	return newChangeFeed(ctx, c.pool, dataset.Locator())
}

// MetadataProvider implements connectors.MetadataConnector.
func (c *Connector) MetadataProvider(ctx context.Context) (connectors.MetadataProvider, error) {
	return &metadata{pool: c.pool}, nil
}

// ----------------------------------------------------------------------------
// provider
// ----------------------------------------------------------------------------

// Provider plans scans over one Postgres table.
type Provider struct {
	pool  *pgxpool.Pool
	table string
}

// Schema implements connectors.TableProvider with a LIMIT 0 probe.
func (p *Provider) Schema(ctx context.Context) (*arrow.Schema, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteTable(p.table)))
	if err != nil {
		return nil, scanError(err)
	}
	defer rows.Close()
	return schemaFromFields(rows.FieldDescriptions()), nil
}

// PushdownSupport implements connectors.TableProvider: Postgres evaluates the
// simple comparisons the frontend extracts exactly.
func (p *Provider) PushdownSupport(filters []connectors.Filter) []connectors.PushdownKind {
	kinds := make([]connectors.PushdownKind, len(filters))
	for i := range kinds {
		kinds[i] = connectors.PushdownExact
	}
	return kinds
}

// Scan implements connectors.TableProvider.
func (p *Provider) Scan(ctx context.Context, req connectors.ScanRequest) (connectors.BatchStream, error) {
	schema, err := p.Schema(ctx)
	if err != nil {
		return nil, err
	}

	projection := "*"
	outSchema := schema
	if len(req.Projection) > 0 {
		names := make([]string, len(req.Projection))
		fields := make([]arrow.Field, len(req.Projection))
		for i, idx := range req.Projection {
			f := schema.Field(idx)
			names[i] = quoteIdent(f.Name)
			fields[i] = f
		}
		projection = strings.Join(names, ", ")
		outSchema = arrow.NewSchema(fields, nil)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", projection, quoteTable(p.table))
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
	return p.scanSQL(ctx, sb.String(), outSchema)
}

// ScanSQL implements connectors.SQLScanner for custom refresh SQL.
func (p *Provider) ScanSQL(ctx context.Context, sql string) (connectors.BatchStream, error) {
	return p.scanSQL(ctx, sql, nil)
}

func (p *Provider) scanSQL(ctx context.Context, sql string, schema *arrow.Schema) (connectors.BatchStream, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, scanError(err)
	}
	if schema == nil {
		schema = schemaFromFields(rows.FieldDescriptions())
	}
	stream, writer := connectors.NewChannelStream(schema)
	go func() {
		defer rows.Close()
		writer.CloseSend(pumpRows(ctx, rows, schema, writer))
	}()
	return stream, nil
}

// Insert implements connectors.WritableTableProvider.
func (p *Provider) Insert(ctx context.Context, stream connectors.BatchStream) (connectors.InsertResult, error) {
	defer stream.Close()
	schema := stream.Schema()
	cols := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = f.Name
	}

	var rows int64
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return connectors.InsertResult{RowsWritten: rows}, nil
			}
			return connectors.InsertResult{RowsWritten: rows}, err
		}
		n, err := p.pool.CopyFrom(ctx, pgx.Identifier(strings.Split(p.table, ".")), cols, &recordSource{rec: rec})
		rec.Release()
		if err != nil {
			return connectors.InsertResult{RowsWritten: rows},
				rterrors.Internal("POSTGRES_COPY", "bulk insert failed").WithCause(err).Build()
		}
		rows += n
	}
}

// recordSource adapts a record batch to pgx.CopyFromSource.
type recordSource struct {
	rec arrow.Record
	row int
}

func (s *recordSource) Next() bool { return s.row < int(s.rec.NumRows()) }

func (s *recordSource) Values() ([]any, error) {
	values := make([]any, s.rec.NumCols())
	for i := 0; i < int(s.rec.NumCols()); i++ {
		values[i] = goValue(s.rec.Column(i), s.row)
	}
	s.row++
	return values, nil
}

func (s *recordSource) Err() error { return nil }

// ----------------------------------------------------------------------------
// rows -> arrow
// ----------------------------------------------------------------------------

func schemaFromFields(fields []pgconn.FieldDescription) *arrow.Schema {
	out := make([]arrow.Field, len(fields))
	for i, fd := range fields {
		out[i] = arrow.Field{Name: fd.Name, Type: arrowTypeForOID(fd.DataTypeOID), Nullable: true}
	}
	return arrow.NewSchema(out, nil)
}

// arrowTypeForOID maps the common built-in Postgres type OIDs.
func arrowTypeForOID(oid uint32) arrow.DataType {
	switch oid {
	case 16: // bool
		return arrow.FixedWidthTypes.Boolean
	case 21: // int2
		return arrow.PrimitiveTypes.Int16
	case 23: // int4
		return arrow.PrimitiveTypes.Int32
	case 20: // int8
		return arrow.PrimitiveTypes.Int64
	case 700: // float4
		return arrow.PrimitiveTypes.Float32
	case 701, 1700: // float8, numeric
		return arrow.PrimitiveTypes.Float64
	case 1082: // date
		return arrow.FixedWidthTypes.Date32
	case 1114: // timestamp
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case 1184: // timestamptz
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case 17: // bytea
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func pumpRows(ctx context.Context, rows pgx.Rows, schema *arrow.Schema, writer *connectors.StreamWriter) error {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		rec := builder.NewRecord()
		pending = 0
		return writer.Send(ctx, rec)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return rterrors.Internal("POSTGRES_SCAN", "failed to read row").WithCause(err).Build()
		}
		for i, v := range values {
			appendGoValue(builder.Field(i), v)
		}
		pending++
		if pending >= scanBatchRows {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return scanError(err)
	}
	return flush()
}

func appendGoValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch builder := b.(type) {
	case *array.BooleanBuilder:
		builder.Append(v.(bool))
	case *array.Int16Builder:
		builder.Append(v.(int16))
	case *array.Int32Builder:
		builder.Append(v.(int32))
	case *array.Int64Builder:
		builder.Append(v.(int64))
	case *array.Float32Builder:
		builder.Append(v.(float32))
	case *array.Float64Builder:
		builder.Append(toFloat64(v))
	case *array.Date32Builder:
		builder.Append(arrow.Date32FromTime(v.(time.Time)))
	case *array.TimestampBuilder:
		ts, _ := arrow.TimestampFromTime(v.(time.Time), arrow.Microsecond)
		builder.Append(ts)
	case *array.BinaryBuilder:
		builder.Append(v.([]byte))
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", v))
	default:
		b.AppendNull()
	}
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	default:
		return 0
	}
}

func goValue(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(row)
	case *array.Int16:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	case *array.Binary:
		return a.Value(row)
	case *array.Date32:
		return a.Value(row).ToTime()
	case *array.Timestamp:
		return a.Value(row).ToTime(a.DataType().(*arrow.TimestampType).Unit)
	default:
		return a.GetOneForMarshal(row)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func scanError(err error) error {
	return rterrors.Unavailable("POSTGRES_QUERY", "query against source failed").
		WithCause(err).WithDetails(err.Error()).Build()
}

// ----------------------------------------------------------------------------
// metadata
// ----------------------------------------------------------------------------

type metadata struct {
	pool *pgxpool.Pool
}

func (m *metadata) SchemaNames(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx,
		"SELECT schema_name FROM information_schema.schemata WHERE schema_name NOT IN ('pg_catalog','information_schema')")
	if err != nil {
		return nil, scanError(err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (m *metadata) TableNames(ctx context.Context, schema string) ([]string, error) {
	rows, err := m.pool.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1", schema)
	if err != nil {
		return nil, scanError(err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
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
