package ingest

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios-runtime/internal/auth"
	"helios-runtime/internal/connectors"
	memconn "helios-runtime/internal/connectors/memory"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/tableref"
)

func ingestSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
}

func intBatch(t *testing.T, values ...int64) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, ingestSchema())
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(values, nil)
	return b.NewRecord()
}

func wideBatch(t *testing.T, rows int) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, ingestSchema())
	defer b.Release()
	for i := 0; i < rows; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
	}
	return b.NewRecord()
}

// sliceSource feeds batches then EOF.
type sliceSource struct {
	recs []arrow.Record
	pos  int
}

func (s *sliceSource) Next(context.Context) (arrow.Record, error) {
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

func writeCtx() context.Context {
	return auth.WithRequestContext(context.Background(), &auth.RequestContext{
		Protocol:  auth.ProtocolFlight,
		Principal: &auth.Principal{KeyID: "test", Group: auth.GroupReadWrite},
	})
}

func newSession(t *testing.T) (*Session, *memconn.Table) {
	t.Helper()
	tables := memconn.NewTableSet()
	table := tables.CreateTable("events", ingestSchema())
	factory := memconn.NewFactory(tables)
	dc, err := factory.Create(context.Background(), nil)
	require.NoError(t, err)
	target, err := dc.(connectors.ReadWriteConnector).ReadWriteProvider(
		context.Background(), connectors.Dataset{Name: "events", From: "memory:events"})
	require.NoError(t, err)

	return &Session{
		Table:        tableref.Parse("events"),
		Target:       target,
		TargetSchema: ingestSchema(),
		Limiter:      auth.NewWriteLimiter(0),
	}, table
}

func TestSession_AppendsInOrder(t *testing.T) {
	// Arrange
	session, table := newSession(t)
	var acks []int
	session.OnAck = func(i int) { acks = append(acks, i) }
	source := &sliceSource{recs: []arrow.Record{
		intBatch(t, 1, 2), intBatch(t, 3), intBatch(t, 4, 5, 6),
	}}

	// Act
	err := session.Run(writeCtx(), source)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(6), table.NumRows())
	assert.Equal(t, []int{0, 1, 2}, acks)
}

func TestSession_RejectsOversizedBatch(t *testing.T) {
	// Arrange: one batch over the hard row cap.
	session, table := newSession(t)
	source := &sliceSource{recs: []arrow.Record{wideBatch(t, MaxBatchRows+1)}}

	// Act
	err := session.Run(writeCtx(), source)

	// Assert: rejection, and no rows were ingested from that batch.
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindInvalidArgument))
	assert.Equal(t, int64(0), table.NumRows())
}

func TestSession_RejectsReadOnlyPrincipal(t *testing.T) {
	session, _ := newSession(t)
	ctx := auth.WithRequestContext(context.Background(), &auth.RequestContext{
		Principal: &auth.Principal{Group: auth.GroupReadOnly},
	})

	err := session.Run(ctx, &sliceSource{})

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindPermissionDenied))
}

func TestSession_RejectsIncompatibleSchema(t *testing.T) {
	// Arrange: client schema has a column the target lacks.
	session, table := newSession(t)
	clientSchema := arrow.NewSchema([]arrow.Field{
		{Name: "wrong", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, clientSchema)
	b.Field(0).(*array.StringBuilder).Append("x")
	rec := b.NewRecord()
	b.Release()
	source := &sliceSource{recs: []arrow.Record{rec}}

	// Act
	err := session.Run(writeCtx(), source)

	// Assert
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindFailedPrecondition))
	assert.Equal(t, int64(0), table.NumRows())
}

func TestSession_RateLimitRejection(t *testing.T) {
	session, _ := newSession(t)
	session.Limiter = auth.NewWriteLimiter(1)
	require.NoError(t, session.Limiter.Allow()) // drain the bucket

	err := session.Run(writeCtx(), &sliceSource{})

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindResourceExhausted))
}
