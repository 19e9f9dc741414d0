package accel

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios-runtime/internal/connectors"
	memconn "helios-runtime/internal/connectors/memory"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/store"
	"helios-runtime/internal/tableref"
)

func mirrorSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
}

func mirrorBatch(t *testing.T, ids, ts []int64) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, mirrorSchema())
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	b.Field(1).(*array.Int64Builder).AppendValues(ts, nil)
	return b.NewRecord()
}

func sourceTable(t *testing.T, name string) (*memconn.Table, connectors.TableProvider) {
	t.Helper()
	tables := memconn.NewTableSet()
	table := tables.CreateTable(name, mirrorSchema())
	factory := memconn.NewFactory(tables)
	conn, err := factory.Create(context.Background(), nil)
	require.NoError(t, err)
	provider, err := conn.ReadProvider(context.Background(),
		connectors.Dataset{Name: name, From: "memory:" + name})
	require.NoError(t, err)
	return table, provider
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newMirror(t *testing.T, provider connectors.TableProvider, st *store.Store, cfg Config) *AcceleratedTable {
	t.Helper()
	return New(
		tableref.Parse("events"),
		connectors.Dataset{Name: "events", From: "memory:events"},
		provider, nil, st, "events_mirror", cfg, nil, zap.NewNop())
}

func TestInitialLoad_FullModeBecomesReady(t *testing.T) {
	// Arrange
	table, provider := sourceTable(t, "events")
	rec := mirrorBatch(t, []int64{1, 2, 3}, []int64{10, 20, 30})
	table.Append(rec)
	rec.Release()
	st := openStore(t)
	mirror := newMirror(t, provider, st, Config{Mode: RefreshModeFull})

	// Act
	mirror.Start(context.Background())
	t.Cleanup(mirror.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mirror.WaitReady(ctx))

	// Assert
	assert.Equal(t, StatusReady, mirror.Status())
	rows, err := st.CountRows(context.Background(), "events_mirror")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)
}

func TestNotReadyMirrorFailsFast(t *testing.T) {
	_, provider := sourceTable(t, "events")
	st := openStore(t)
	mirror := newMirror(t, provider, st, Config{Mode: RefreshModeFull})

	// Before Start the mirror is Initializing.
	err := mirror.CheckReady()
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindUnavailable))
}

func TestDisabledMirrorIsFailedPrecondition(t *testing.T) {
	_, provider := sourceTable(t, "events")
	st := openStore(t)
	mirror := newMirror(t, provider, st, Config{Mode: RefreshModeFull})

	mirror.Disable()

	err := mirror.CheckReady()
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindFailedPrecondition))
}

func TestTriggerRefresh_Coalesces(t *testing.T) {
	// Arrange: a stopped mirror so triggers pile up unconsumed.
	_, provider := sourceTable(t, "events")
	st := openStore(t)
	mirror := newMirror(t, provider, st, Config{Mode: RefreshModeFull})

	// Act: many triggers while none are consumed.
	for i := 0; i < 64; i++ {
		mirror.TriggerRefresh()
	}

	// Assert: the trigger channel holds exactly one pending request.
	assert.Len(t, mirror.refreshTrigger, 1)
}

func TestRefresh_InvalidationCallbackFires(t *testing.T) {
	table, provider := sourceTable(t, "events")
	rec := mirrorBatch(t, []int64{1}, []int64{10})
	table.Append(rec)
	rec.Release()
	st := openStore(t)
	mirror := newMirror(t, provider, st, Config{Mode: RefreshModeFull})

	invalidated := make(chan tableref.TableReference, 4)
	mirror.OnRefreshComplete = func(ref tableref.TableReference, _ int64) {
		invalidated <- ref
	}

	mirror.Start(context.Background())
	t.Cleanup(mirror.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mirror.WaitReady(ctx))

	select {
	case ref := <-invalidated:
		assert.Equal(t, "events", ref.Table)
	case <-ctx.Done():
		t.Fatal("refresh completion callback never fired")
	}
}

func TestSetRefreshSQL_InMemoryOnly(t *testing.T) {
	_, provider := sourceTable(t, "events")
	st := openStore(t)
	mirror := newMirror(t, provider, st, Config{Mode: RefreshModeFull, RefreshSQL: "SELECT * FROM events"})

	assert.Equal(t, "SELECT * FROM events", mirror.RefreshSQL())
	mirror.SetRefreshSQL("SELECT * FROM events WHERE id > 5")
	assert.Equal(t, "SELECT * FROM events WHERE id > 5", mirror.RefreshSQL())
}
