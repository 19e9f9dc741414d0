package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

// queryBatchRows is the row count of batches produced by QueryStream.
const queryBatchRows = 8192

// ----------------------------------------------------------------------------
// arrow schema -> DuckDB DDL
// ----------------------------------------------------------------------------

func createTableDDL(table string, schema *arrow.Schema) (string, error) {
	cols := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		duckType, err := duckDBType(f.Type)
		if err != nil {
			return "", rterrors.InvalidArgument("UNSUPPORTED_COLUMN_TYPE",
				fmt.Sprintf("column %q: %v", f.Name, err)).Build()
		}
		nullability := ""
		if !f.Nullable {
			nullability = " NOT NULL"
		}
		cols[i] = fmt.Sprintf("%s %s%s", quoteIdent(f.Name), duckType, nullability)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteQualified(table), strings.Join(cols, ", ")), nil
}

func duckDBType(dt arrow.DataType) (string, error) {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return "BOOLEAN", nil
	case *arrow.Int8Type:
		return "TINYINT", nil
	case *arrow.Int16Type:
		return "SMALLINT", nil
	case *arrow.Int32Type:
		return "INTEGER", nil
	case *arrow.Int64Type:
		return "BIGINT", nil
	case *arrow.Uint8Type:
		return "UTINYINT", nil
	case *arrow.Uint16Type:
		return "USMALLINT", nil
	case *arrow.Uint32Type:
		return "UINTEGER", nil
	case *arrow.Uint64Type:
		return "UBIGINT", nil
	case *arrow.Float32Type:
		return "FLOAT", nil
	case *arrow.Float64Type:
		return "DOUBLE", nil
	case *arrow.StringType, *arrow.LargeStringType:
		return "VARCHAR", nil
	case *arrow.BinaryType, *arrow.LargeBinaryType:
		return "BLOB", nil
	case *arrow.Date32Type, *arrow.Date64Type:
		return "DATE", nil
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return "TIMESTAMPTZ", nil
		}
		return "TIMESTAMP", nil
	case *arrow.Decimal128Type:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale), nil
	case *arrow.ListType:
		inner, err := duckDBType(t.Elem())
		if err != nil {
			return "", err
		}
		return inner + "[]", nil
	default:
		return "", fmt.Errorf("no DuckDB mapping for arrow type %s", dt)
	}
}

// ----------------------------------------------------------------------------
// arrow batches -> INSERT
// ----------------------------------------------------------------------------

type execer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func ingestInto(ctx context.Context, tx execer, table string, stream connectors.BatchStream) (int64, error) {
	schema := stream.Schema()
	placeholders := make([]string, schema.NumFields())
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		placeholders[i] = "?"
		names[i] = quoteIdent(f.Name)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteQualified(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, rterrors.Internal("STORE_INGEST", "failed to prepare insert").WithCause(err).Build()
	}
	defer stmt.Close()

	var total int64
	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			if isEOF(err) {
				return total, nil
			}
			return total, err
		}
		n := int(rec.NumRows())
		for row := 0; row < n; row++ {
			args := make([]any, rec.NumCols())
			for col := 0; col < int(rec.NumCols()); col++ {
				args[col] = valueAt(rec.Column(col), row)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				rec.Release()
				return total, rterrors.Internal("STORE_INGEST", "failed to insert row").WithCause(err).Build()
			}
		}
		total += int64(n)
		rec.Release()
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// valueAt extracts a driver-friendly Go value from an arrow column.
func valueAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(row)
	case *array.Int8:
		return a.Value(row)
	case *array.Int16:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Uint8:
		return a.Value(row)
	case *array.Uint16:
		return a.Value(row)
	case *array.Uint32:
		return a.Value(row)
	case *array.Uint64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Binary:
		return a.Value(row)
	case *array.Date32:
		return a.Value(row).ToTime()
	case *array.Date64:
		return a.Value(row).ToTime()
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit)
	default:
		// Fall back to the JSON-ish representation for nested values.
		return fmt.Sprintf("%v", a.GetOneForMarshal(row))
	}
}

// ----------------------------------------------------------------------------
// rows -> arrow batches
// ----------------------------------------------------------------------------

// Describe returns the output schema of a query without executing its body.
func (s *Store) Describe(ctx context.Context, query string) (*arrow.Schema, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) LIMIT 0", query))
	if err != nil {
		return nil, rterrors.InvalidArgument("QUERY_PLANNING_ERROR", "failed to derive query schema").
			WithCause(err).WithDetails(err.Error()).Build()
	}
	defer rows.Close()
	return schemaFromRows(rows)
}

// QueryStream executes a query and streams its result as arrow batches of at
// most queryBatchRows rows. Production runs on its own goroutine; the
// returned stream applies back-pressure through its bounded channel.
func (s *Store) QueryStream(ctx context.Context, query string) (connectors.BatchStream, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, rterrors.InvalidArgument("QUERY_EXECUTION_ERROR", "query failed").
			WithCause(err).WithDetails(err.Error()).Build()
	}
	schema, err := schemaFromRows(rows)
	if err != nil {
		rows.Close()
		return nil, err
	}

	stream, writer := connectors.NewChannelStream(schema)
	go func() {
		defer rows.Close()
		writer.CloseSend(pumpRows(ctx, rows, schema, writer))
	}()
	return stream, nil
}

func pumpRows(ctx context.Context, rows *sql.Rows, schema *arrow.Schema, writer *connectors.StreamWriter) error {
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

	scan := make([]any, schema.NumFields())
	for i := range scan {
		var v any
		scan[i] = &v
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return rterrors.Internal("ROW_SCAN", "failed to scan result row").WithCause(err).Build()
		}
		for i := 0; i < schema.NumFields(); i++ {
			appendValue(builder.Field(i), *(scan[i].(*any)))
		}
		pending++
		if pending >= queryBatchRows {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return rterrors.Internal("ROW_ITER", "result iteration failed").WithCause(err).Build()
	}
	return flush()
}

func schemaFromRows(rows *sql.Rows) (*arrow.Schema, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, rterrors.Internal("SCHEMA_DERIVE", "failed to read column types").WithCause(err).Build()
	}
	fields := make([]arrow.Field, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		if !ok {
			nullable = true
		}
		fields[i] = arrow.Field{
			Name:     ct.Name(),
			Type:     arrowTypeForDuck(ct.DatabaseTypeName()),
			Nullable: nullable,
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowTypeForDuck(duckType string) arrow.DataType {
	base := strings.ToUpper(duckType)
	if i := strings.Index(base, "("); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case "TINYINT":
		return arrow.PrimitiveTypes.Int8
	case "SMALLINT":
		return arrow.PrimitiveTypes.Int16
	case "INTEGER", "INT":
		return arrow.PrimitiveTypes.Int32
	case "BIGINT", "HUGEINT":
		return arrow.PrimitiveTypes.Int64
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64
	case "FLOAT", "REAL":
		return arrow.PrimitiveTypes.Float32
	case "DOUBLE", "DECIMAL":
		return arrow.PrimitiveTypes.Float64
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIMESTAMP":
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case "BLOB":
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch builder := b.(type) {
	case *array.BooleanBuilder:
		builder.Append(v.(bool))
	case *array.Int8Builder:
		builder.Append(int8(asInt64(v)))
	case *array.Int16Builder:
		builder.Append(int16(asInt64(v)))
	case *array.Int32Builder:
		builder.Append(int32(asInt64(v)))
	case *array.Int64Builder:
		builder.Append(asInt64(v))
	case *array.Uint8Builder:
		builder.Append(uint8(asInt64(v)))
	case *array.Uint16Builder:
		builder.Append(uint16(asInt64(v)))
	case *array.Uint32Builder:
		builder.Append(uint32(asInt64(v)))
	case *array.Uint64Builder:
		builder.Append(uint64(asInt64(v)))
	case *array.Float32Builder:
		builder.Append(float32(asFloat64(v)))
	case *array.Float64Builder:
		builder.Append(asFloat64(v))
	case *array.StringBuilder:
		builder.Append(asString(v))
	case *array.BinaryBuilder:
		builder.Append(v.([]byte))
	case *array.Date32Builder:
		builder.Append(arrow.Date32FromTime(v.(time.Time)))
	case *array.TimestampBuilder:
		ts, _ := arrow.TimestampFromTime(v.(time.Time), arrow.Microsecond)
		builder.Append(ts)
	default:
		b.AppendNull()
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
