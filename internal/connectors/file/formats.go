package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

const fragmentBatchRows = 8192

func formatOf(path, declared string) string {
	if declared != "" {
		return declared
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// readFileSchema probes a single data file for its schema.
func readFileSchema(ctx context.Context, path, declared string) (*arrow.Schema, error) {
	switch formatOf(path, declared) {
	case "parquet":
		table, err := openParquet(ctx, path)
		if err != nil {
			return nil, err
		}
		defer table.Release()
		return table.Schema(), nil
	case "csv":
		rec, err := readCSVHead(path)
		if err != nil {
			return nil, err
		}
		defer rec.Release()
		return rec.Schema(), nil
	default:
		return nil, rterrors.InvalidArgument("UNSUPPORTED_FORMAT",
			"unsupported file format for "+path).Build()
	}
}

// readFragment streams one file's rows, extending each batch with the
// fragment's partition values. Returns the number of rows sent.
func readFragment(ctx context.Context, frag fragment, partitionCols []string,
	schema *arrow.Schema, declared string, limit int64, writer *connectors.StreamWriter) (int64, error) {
	var sent int64
	emit := func(rec arrow.Record) error {
		take := rec
		if limit >= 0 && sent+rec.NumRows() > limit {
			take = rec.NewSlice(0, limit-sent)
			rec.Release()
		}
		out, err := withPartitionColumns(take, frag, partitionCols, schema)
		take.Release()
		if err != nil {
			return err
		}
		sent += out.NumRows()
		return writer.Send(ctx, out)
	}

	switch formatOf(frag.path, declared) {
	case "parquet":
		table, err := openParquet(ctx, frag.path)
		if err != nil {
			return 0, err
		}
		defer table.Release()
		reader := array.NewTableReader(table, fragmentBatchRows)
		defer reader.Release()
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			if err := emit(rec); err != nil {
				return sent, err
			}
			if limit >= 0 && sent >= limit {
				return sent, nil
			}
		}
		return sent, nil
	case "csv":
		f, err := os.Open(frag.path)
		if err != nil {
			return 0, openError(frag.path, err)
		}
		defer f.Close()
		reader := csv.NewInferringReader(f,
			csv.WithHeader(true),
			csv.WithChunk(fragmentBatchRows),
			csv.WithNullReader(true, ""))
		defer reader.Release()
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			if err := emit(rec); err != nil {
				return sent, err
			}
			if limit >= 0 && sent >= limit {
				return sent, nil
			}
		}
		if err := reader.Err(); err != nil && err != io.EOF {
			return sent, rterrors.Internal("CSV_READ", "failed to read csv file").
				WithResource(frag.path).WithCause(err).Build()
		}
		return sent, nil
	default:
		return 0, rterrors.InvalidArgument("UNSUPPORTED_FORMAT",
			"unsupported file format for "+frag.path).Build()
	}
}

func openParquet(ctx context.Context, path string) (arrow.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer f.Close()
	table, err := pqarrow.ReadTable(ctx, f,
		parquet.NewReaderProperties(memory.DefaultAllocator),
		pqarrow.ArrowReadProperties{BatchSize: fragmentBatchRows},
		memory.DefaultAllocator)
	if err != nil {
		return nil, rterrors.Internal("PARQUET_READ", "failed to read parquet file").
			WithResource(path).WithCause(err).Build()
	}
	return table, nil
}

func readCSVHead(path string) (arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer f.Close()
	reader := csv.NewInferringReader(f, csv.WithHeader(true), csv.WithChunk(1))
	defer reader.Release()
	if !reader.Next() {
		if err := reader.Err(); err != nil && err != io.EOF {
			return nil, rterrors.Internal("CSV_READ", "failed to read csv file").
				WithResource(path).WithCause(err).Build()
		}
		return nil, rterrors.NotFound("EMPTY_FILE", "csv file has no rows").WithResource(path).Build()
	}
	rec := reader.Record()
	rec.Retain()
	return rec, nil
}

func openError(path string, err error) error {
	return rterrors.NotFound("UNKNOWN_PATH", "failed to open data file").
		WithResource(path).WithCause(err).Build()
}

// withPartitionColumns appends the fragment's partition values as constant
// utf8 columns so rows carry their partition key like any other column.
func withPartitionColumns(rec arrow.Record, frag fragment, partitionCols []string, schema *arrow.Schema) (arrow.Record, error) {
	if len(partitionCols) == 0 {
		rec.Retain()
		return rec, nil
	}
	mem := memory.DefaultAllocator
	n := int(rec.NumRows())
	cols := make([]arrow.Array, 0, schema.NumFields())
	for _, field := range schema.Fields() {
		if idx := rec.Schema().FieldIndices(field.Name); len(idx) == 1 {
			col := rec.Column(idx[0])
			col.Retain()
			cols = append(cols, col)
			continue
		}
		b := array.NewStringBuilder(mem)
		value, ok := frag.partitions[field.Name]
		for i := 0; i < n; i++ {
			if ok {
				b.Append(value)
			} else {
				b.AppendNull()
			}
		}
		cols = append(cols, b.NewArray())
		b.Release()
	}
	out := array.NewRecord(schema, cols, int64(n))
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}
