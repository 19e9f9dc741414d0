package arrowutil

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRecord(t *testing.T, schema *arrow.Schema, build func(b *array.RecordBuilder)) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	build(b)
	return b.NewRecord()
}

func baseSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func TestIsSchemaSuperset(t *testing.T) {
	sub := baseSchema()
	super := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "created", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
	}, nil)

	assert.True(t, IsSchemaSuperset(super, sub))
	assert.False(t, IsSchemaSuperset(sub, super))

	// Type mismatch breaks supersetting.
	mismatched := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	assert.False(t, IsSchemaSuperset(mismatched, sub))
}

func TestTryCastTo_NullFillsNewNullableFields(t *testing.T) {
	// Arrange
	rec := buildRecord(t, baseSchema(), func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2}, nil)
		b.Field(1).(*array.StringBuilder).AppendValues([]string{"a", "b"}, nil)
	})
	defer rec.Release()
	target := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	// Act
	out, err := TryCastTo(context.Background(), rec, target)

	// Assert
	require.NoError(t, err)
	defer out.Release()
	assert.True(t, out.Schema().Equal(target))
	assert.Equal(t, int64(2), out.NumRows())
	score := out.Column(2)
	assert.Equal(t, 2, score.NullN())
}

func TestTryCastTo_MissingNonNullableFieldFails(t *testing.T) {
	rec := buildRecord(t, baseSchema(), func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).Append(1)
		b.Field(1).(*array.StringBuilder).Append("a")
	})
	defer rec.Release()
	target := arrow.NewSchema([]arrow.Field{
		{Name: "required_col", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)

	_, err := TryCastTo(context.Background(), rec, target)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIELD_NOT_NULLABLE")
}

func TestTryCastTo_CastsCompatibleNumerics(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	}, nil)
	rec := buildRecord(t, schema, func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 2, 3}, nil)
	})
	defer rec.Release()
	target := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)

	out, err := TryCastTo(context.Background(), rec, target)

	require.NoError(t, err)
	defer out.Release()
	col := out.Column(0).(*array.Int64)
	assert.Equal(t, int64(3), col.Value(2))
}

func TestTruncateStringColumns(t *testing.T) {
	rec := buildRecord(t, baseSchema(), func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
		sb := b.Field(1).(*array.StringBuilder)
		sb.Append("short")
		sb.Append("a very long string value")
		sb.AppendNull()
	})
	defer rec.Release()

	out, err := TruncateStringColumns(rec, 5)

	require.NoError(t, err)
	defer out.Release()
	names := out.Column(1).(*array.String)
	assert.Equal(t, "short", names.Value(0))
	assert.Equal(t, "a ver", names.Value(1))
	assert.True(t, names.IsNull(2))
}

func TestToPrimitiveTypeList(t *testing.T) {
	// Arrange: list<struct{x int64, y utf8}>
	structType := arrow.StructOf(
		arrow.Field{Name: "x", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		arrow.Field{Name: "y", Type: arrow.BinaryTypes.String, Nullable: true},
	)
	listType := arrow.ListOf(structType)
	schema := arrow.NewSchema([]arrow.Field{{Name: "pairs", Type: listType, Nullable: true}}, nil)

	rec := buildRecord(t, schema, func(b *array.RecordBuilder) {
		lb := b.Field(0).(*array.ListBuilder)
		sb := lb.ValueBuilder().(*array.StructBuilder)
		lb.Append(true)
		sb.Append(true)
		sb.FieldBuilder(0).(*array.Int64Builder).Append(7)
		sb.FieldBuilder(1).(*array.StringBuilder).Append("ignored")
		sb.Append(true)
		sb.FieldBuilder(0).(*array.Int64Builder).Append(8)
		sb.FieldBuilder(1).(*array.StringBuilder).Append("ignored")
		lb.AppendNull()
	})
	defer rec.Release()

	// Act
	out, field, err := ToPrimitiveTypeList(rec.Column(0), rec.Schema().Field(0))

	// Assert
	require.NoError(t, err)
	defer out.Release()
	assert.True(t, arrow.TypeEqual(arrow.ListOf(arrow.PrimitiveTypes.Int64), field.Type))
	list := out.(*array.List)
	assert.Equal(t, 2, list.Len())
	assert.True(t, list.IsNull(1))
	values := list.ListValues().(*array.Int64)
	assert.Equal(t, int64(7), values.Value(0))
	assert.Equal(t, int64(8), values.Value(1))
}

func TestRecordSize_IsPositive(t *testing.T) {
	rec := buildRecord(t, baseSchema(), func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4}, nil)
		b.Field(1).(*array.StringBuilder).AppendValues([]string{"a", "b", "c", "d"}, nil)
	})
	defer rec.Release()

	size := RecordSize(rec)
	assert.Greater(t, size, int64(0))
}

func TestSliceHead(t *testing.T) {
	rec := buildRecord(t, baseSchema(), func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4, 5}, nil)
		b.Field(1).(*array.StringBuilder).AppendValues([]string{"a", "b", "c", "d", "e"}, nil)
	})
	defer rec.Release()

	head := SliceHead(rec, 3)
	defer head.Release()
	assert.Equal(t, int64(3), head.NumRows())

	all := SliceHead(rec, 10)
	defer all.Release()
	assert.Equal(t, int64(5), all.NumRows())
}
