package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios-runtime/internal/connectors"
)

// writePartitionedTable lays out a hive-style partitioned CSV table:
//
//	root/date_col=<value>/part.csv
func writePartitionedTable(t *testing.T, rows map[string][]string) string {
	t.Helper()
	root := t.TempDir()
	for partition, lines := range rows {
		dir := filepath.Join(root, "date_col="+partition)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		content := "name,value\n"
		for _, line := range lines {
			content += line + "\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "part.csv"), []byte(content), 0o644))
	}
	return root
}

func deltaTable(t *testing.T) string {
	return writePartitionedTable(t, map[string][]string{
		"2024-02-04":   {"Alice,100"},
		"2025-01-01":   {"Carol,300"},
		"2030-06-15":   {"David,400"},
		"+10999-12-31": {"Bob,200"},
	})
}

func provider(t *testing.T, root string) connectors.TableProvider {
	t.Helper()
	conn := &Connector{}
	p, err := conn.ReadProvider(context.Background(), connectors.Dataset{
		Name: "test",
		From: DeltaPrefix + ":" + root,
	})
	require.NoError(t, err)
	return p
}

func scanAll(t *testing.T, p connectors.TableProvider, req connectors.ScanRequest) []arrow.Record {
	t.Helper()
	stream, err := p.Scan(context.Background(), req)
	require.NoError(t, err)
	recs, err := connectors.Collect(context.Background(), stream)
	require.NoError(t, err)
	return recs
}

func TestSchema_IncludesPartitionColumn(t *testing.T) {
	p := provider(t, deltaTable(t))

	schema, err := p.Schema(context.Background())

	require.NoError(t, err)
	idx := schema.FieldIndices("date_col")
	require.Len(t, idx, 1)
	assert.True(t, arrow.TypeEqual(arrow.BinaryTypes.String, schema.Field(idx[0]).Type))
}

func TestScan_PartitionPruning(t *testing.T) {
	// Arrange
	p := provider(t, deltaTable(t))

	// Act: date_col > '2025-01-01' must keep only the 2030 and +10999 rows.
	recs := scanAll(t, p, connectors.ScanRequest{Filters: []connectors.Filter{
		{Column: "date_col", Op: connectors.OpGt, Value: "2025-01-01"},
	}})
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	// Assert
	var rows int64
	partitions := map[string]bool{}
	for _, rec := range recs {
		rows += rec.NumRows()
		idx := rec.Schema().FieldIndices("date_col")
		require.Len(t, idx, 1)
		col := rec.Column(idx[0]).(*array.String)
		for i := 0; i < col.Len(); i++ {
			partitions[col.Value(i)] = true
		}
	}
	assert.Equal(t, int64(2), rows)
	assert.True(t, partitions["2030-06-15"])
	assert.True(t, partitions["+10999-12-31"])
	assert.False(t, partitions["2024-02-04"])
	assert.False(t, partitions["2025-01-01"])
}

func TestPushdownSupport_PartitionColumnsAreInexact(t *testing.T) {
	p := provider(t, deltaTable(t))

	kinds := p.PushdownSupport([]connectors.Filter{
		{Column: "date_col", Op: connectors.OpGt, Value: "2025-01-01"},
		{Column: "value", Op: connectors.OpGt, Value: int64(100)},
	})

	require.Len(t, kinds, 2)
	assert.Equal(t, connectors.PushdownInexact, kinds[0])
	assert.Equal(t, connectors.PushdownUnsupported, kinds[1])
}

func TestScan_LimitStopsEarly(t *testing.T) {
	p := provider(t, deltaTable(t))
	limit := int64(2)

	recs := scanAll(t, p, connectors.ScanRequest{Limit: &limit})
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	var rows int64
	for _, rec := range recs {
		rows += rec.NumRows()
	}
	assert.Equal(t, int64(2), rows)
}

func TestScan_MissingPathIsNotFound(t *testing.T) {
	conn := &Connector{}
	_, err := conn.ReadProvider(context.Background(), connectors.Dataset{
		Name: "ghost",
		From: Prefix + ":/does/not/exist",
	})
	require.Error(t, err)
}
