// Package integration exercises the assembled runtime end to end: query
// execution over a federated source, cache participation, the restricted-SQL
// policy and the streaming write path.
package integration

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios-runtime/internal/auth"
	"helios-runtime/internal/cache"
	"helios-runtime/internal/config"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/runtime"
)

func eventsSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

func seedRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.TaskHistory.Enabled = false
	cfg.Datasets = []config.Dataset{{Name: "events", From: "memory:events"}}

	rt, err := runtime.New(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)

	table := rt.MemoryTables().CreateTable("events", eventsSchema())
	b := array.NewRecordBuilder(memory.DefaultAllocator, eventsSchema())
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"a", "b", "c"}, nil)
	rec := b.NewRecord()
	b.Release()
	table.Append(rec)
	rec.Release()

	require.NoError(t, rt.Start(context.Background()))
	return rt
}

func drain(t *testing.T, rt *runtime.Runtime, sql string) (int64, cache.Status) {
	t.Helper()
	result, err := rt.Engine().Run(context.Background(), sql)
	require.NoError(t, err)
	defer result.Stream.Close()
	var rows int64
	for {
		rec, err := result.Stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows += rec.NumRows()
		rec.Release()
	}
	return rows, result.CacheStatus
}

func TestQuery_FederatedScanAndCacheHit(t *testing.T) {
	rt := seedRuntime(t)
	table, _ := rt.MemoryTables().Get("events")

	// First run misses the cache and scans the source.
	rows, status := drain(t, rt, "SELECT id, name FROM events ORDER BY id")
	assert.Equal(t, int64(3), rows)
	assert.Equal(t, cache.StatusMiss, status)
	scansAfterMiss := table.ScanCount()
	assert.Greater(t, scansAfterMiss, int64(0))

	// The identical query is served from the cache without a source scan.
	rows, status = drain(t, rt, "SELECT id, name FROM events ORDER BY id")
	assert.Equal(t, int64(3), rows)
	assert.Equal(t, cache.StatusHit, status)
	assert.Equal(t, scansAfterMiss, table.ScanCount())
}

func TestQuery_NoCacheDirectiveBypasses(t *testing.T) {
	rt := seedRuntime(t)

	ctx := auth.WithRequestContext(context.Background(), &auth.RequestContext{
		Protocol:     auth.ProtocolHTTP,
		CacheControl: auth.CacheControlNoCache,
	})
	result, err := rt.Engine().Run(ctx, "SELECT id FROM events")
	require.NoError(t, err)
	result.Stream.Close()
	assert.Equal(t, cache.StatusBypass, result.CacheStatus)

	// A bypassed run must not have installed a cache entry.
	result, err = rt.Engine().Run(context.Background(), "SELECT id FROM events")
	require.NoError(t, err)
	defer result.Stream.Close()
	assert.Equal(t, cache.StatusMiss, result.CacheStatus)
}

func TestQuery_RestrictedSQLRejected(t *testing.T) {
	rt := seedRuntime(t)

	for _, sql := range []string{
		"DROP TABLE events",
		"INSERT INTO events VALUES (9, 'x')",
		"SELECT 1; SELECT 2",
	} {
		_, err := rt.Engine().Run(context.Background(), sql)
		require.Error(t, err, sql)
		assert.True(t, rterrors.IsKind(err, rterrors.KindInvalidArgument), sql)
	}
}

func TestQuery_UnknownTableIsNotFound(t *testing.T) {
	rt := seedRuntime(t)

	_, err := rt.Engine().Run(context.Background(), "SELECT * FROM ghost_table")

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindNotFound))
}

func TestGetSchema_ReturnsPlanSchema(t *testing.T) {
	rt := seedRuntime(t)

	schema, err := rt.Engine().GetSchema(context.Background(), "SELECT id FROM events")

	require.NoError(t, err)
	require.Equal(t, 1, schema.NumFields())
	assert.Equal(t, "id", schema.Field(0).Name)
}

func TestSelectLiteral_CacheMissThenHit(t *testing.T) {
	rt := seedRuntime(t)

	_, status := drain(t, rt, "SELECT 1 AS x")
	assert.Equal(t, cache.StatusMiss, status)

	_, status = drain(t, rt, "SELECT 1 AS x")
	assert.Equal(t, cache.StatusHit, status)
}
