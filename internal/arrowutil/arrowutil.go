// Package arrowutil provides the record-batch and schema utilities shared by
// the query engine, the acceleration layer and the ingest path: superset
// matching, best-effort casting, list-of-struct flattening and string-column
// truncation.
package arrowutil

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	rterrors "helios-runtime/internal/errors"
)

// IsSchemaSuperset reports whether super is a superset of sub: every field of
// sub appears in super under the same name with an equal type, and a
// non-nullable field in super implies the matching sub field is non-nullable.
func IsSchemaSuperset(super, sub *arrow.Schema) bool {
	for _, subField := range sub.Fields() {
		idx := super.FieldIndices(subField.Name)
		if len(idx) != 1 {
			return false
		}
		superField := super.Field(idx[0])
		if !arrow.TypeEqual(superField.Type, subField.Type) {
			return false
		}
		if !superField.Nullable && subField.Nullable {
			return false
		}
	}
	return true
}

// VerifySchema checks that two schemas carry identical field lists. The query
// engine uses this to assert that an execution stream matches its plan; a
// mismatch is an internal bug, never a user error.
func VerifySchema(expected, actual *arrow.Schema) error {
	if expected.NumFields() != actual.NumFields() {
		return rterrors.Internal("SCHEMA_MISMATCH",
			"execution schema does not match plan schema").
			WithDetailsf("expected %d fields, got %d", expected.NumFields(), actual.NumFields()).
			Build()
	}
	for i, ef := range expected.Fields() {
		af := actual.Field(i)
		if ef.Name != af.Name || !arrow.TypeEqual(ef.Type, af.Type) {
			return rterrors.Internal("SCHEMA_MISMATCH",
				"execution schema does not match plan schema").
				WithDetailsf("field %d: expected %s %s, got %s %s",
					i, ef.Name, ef.Type, af.Name, af.Type).
				Build()
		}
	}
	return nil
}

// TryCastTo returns rec reshaped to target. Columns already matching the
// target type are carried through; compatible columns are cast; columns
// absent from rec become all-null when the target field is nullable.
// A missing non-nullable field fails with FIELD_NOT_NULLABLE.
func TryCastTo(ctx context.Context, rec arrow.Record, target *arrow.Schema) (arrow.Record, error) {
	if rec.Schema().Equal(target) {
		rec.Retain()
		return rec, nil
	}
	mem := memory.DefaultAllocator
	n := int(rec.NumRows())

	cols := make([]arrow.Array, 0, target.NumFields())
	release := func() {
		for _, c := range cols {
			c.Release()
		}
	}

	for _, field := range target.Fields() {
		idx := rec.Schema().FieldIndices(field.Name)
		if len(idx) == 0 {
			if !field.Nullable {
				release()
				return nil, rterrors.InvalidArgument("FIELD_NOT_NULLABLE",
					fmt.Sprintf("field %q is not nullable and has no source column", field.Name)).
					Build()
			}
			cols = append(cols, array.MakeArrayOfNull(mem, field.Type, n))
			continue
		}
		src := rec.Column(idx[0])
		if arrow.TypeEqual(src.DataType(), field.Type) {
			src.Retain()
			cols = append(cols, src)
			continue
		}
		casted, err := compute.CastArray(ctx, src, compute.SafeCastOptions(field.Type))
		if err != nil {
			release()
			return nil, rterrors.InvalidArgument("INCOMPATIBLE_FIELD_TYPE",
				fmt.Sprintf("cannot cast field %q from %s to %s", field.Name, src.DataType(), field.Type)).
				WithCause(err).Build()
		}
		cols = append(cols, casted)
	}

	out := array.NewRecord(target, cols, int64(n))
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

// ToPrimitiveTypeList converts a list<struct{x, ...}> column into list<x>,
// keeping the original offsets and the list-level null mask. Struct fields
// past the first are ignored.
func ToPrimitiveTypeList(col arrow.Array, field arrow.Field) (arrow.Array, arrow.Field, error) {
	listArr, ok := col.(*array.List)
	if !ok {
		return nil, arrow.Field{}, rterrors.InvalidArgument("NOT_A_LIST",
			fmt.Sprintf("column %q is %s, expected list", field.Name, col.DataType())).Build()
	}
	structArr, ok := listArr.ListValues().(*array.Struct)
	if !ok {
		return nil, arrow.Field{}, rterrors.InvalidArgument("NOT_A_STRUCT_LIST",
			fmt.Sprintf("column %q is %s, expected list<struct>", field.Name, col.DataType())).Build()
	}
	structType := structArr.DataType().(*arrow.StructType)
	if structType.NumFields() == 0 {
		return nil, arrow.Field{}, rterrors.InvalidArgument("EMPTY_STRUCT_LIST",
			fmt.Sprintf("column %q has a struct element with no fields", field.Name)).Build()
	}

	inner := structType.Field(0)
	newType := arrow.ListOf(inner.Type)
	listData := listArr.Data()
	newData := array.NewData(
		newType,
		listData.Len(),
		listData.Buffers(),
		[]arrow.ArrayData{structArr.Field(0).Data()},
		listData.NullN(),
		listData.Offset(),
	)
	defer newData.Release()
	out := array.NewListData(newData)
	newField := arrow.Field{Name: field.Name, Type: newType, Nullable: field.Nullable, Metadata: field.Metadata}
	return out, newField, nil
}

// TruncateStringColumns walks the record's columns, recursing through lists
// and structs, and replaces every utf8 value with its byte prefix of at most
// n bytes. The null mask is preserved. Non-string leaves pass through.
func TruncateStringColumns(rec arrow.Record, n int) (arrow.Record, error) {
	mem := memory.DefaultAllocator
	cols := make([]arrow.Array, rec.NumCols())
	changed := false
	for i := 0; i < int(rec.NumCols()); i++ {
		col, didChange := truncateArray(mem, rec.Column(i), n)
		cols[i] = col
		changed = changed || didChange
	}
	if !changed {
		for _, c := range cols {
			c.Release()
		}
		rec.Retain()
		return rec, nil
	}
	out := array.NewRecord(rec.Schema(), cols, rec.NumRows())
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

func truncateArray(mem memory.Allocator, arr arrow.Array, n int) (arrow.Array, bool) {
	switch a := arr.(type) {
	case *array.String:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		changed := false
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				b.AppendNull()
				continue
			}
			v := a.Value(i)
			if len(v) > n {
				v = v[:n]
				changed = true
			}
			b.Append(v)
		}
		return b.NewArray(), changed
	case *array.LargeString:
		b := array.NewLargeStringBuilder(mem)
		defer b.Release()
		changed := false
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				b.AppendNull()
				continue
			}
			v := a.Value(i)
			if len(v) > n {
				v = v[:n]
				changed = true
			}
			b.Append(v)
		}
		return b.NewArray(), changed
	case *array.List:
		values, changed := truncateArray(mem, a.ListValues(), n)
		if !changed {
			values.Release()
			a.Retain()
			return a, false
		}
		data := a.Data()
		newData := array.NewData(a.DataType(), data.Len(), data.Buffers(),
			[]arrow.ArrayData{values.Data()}, data.NullN(), data.Offset())
		values.Release()
		defer newData.Release()
		return array.NewListData(newData), true
	case *array.Struct:
		childDatas := make([]arrow.ArrayData, a.NumField())
		children := make([]arrow.Array, a.NumField())
		changed := false
		for i := 0; i < a.NumField(); i++ {
			child, didChange := truncateArray(mem, a.Field(i), n)
			children[i] = child
			childDatas[i] = child.Data()
			changed = changed || didChange
		}
		if !changed {
			for _, c := range children {
				c.Release()
			}
			a.Retain()
			return a, false
		}
		data := a.Data()
		newData := array.NewData(a.DataType(), data.Len(), data.Buffers(),
			childDatas, data.NullN(), data.Offset())
		for _, c := range children {
			c.Release()
		}
		defer newData.Release()
		return array.NewStructData(newData), true
	default:
		arr.Retain()
		return arr, false
	}
}

// RecordSize returns the Arrow memory footprint of a record in bytes: the sum
// of all buffer lengths reachable from its columns. The results cache uses
// this for size-based eviction.
func RecordSize(rec arrow.Record) int64 {
	var total int64
	for _, col := range rec.Columns() {
		total += dataSize(col.Data())
	}
	return total
}

func dataSize(data arrow.ArrayData) int64 {
	var total int64
	for _, buf := range data.Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	for _, child := range data.Children() {
		total += dataSize(child)
	}
	return total
}

// SliceHead returns at most n leading rows of rec as a new record.
func SliceHead(rec arrow.Record, n int64) arrow.Record {
	if rec.NumRows() <= n {
		rec.Retain()
		return rec
	}
	return rec.NewSlice(0, n)
}
