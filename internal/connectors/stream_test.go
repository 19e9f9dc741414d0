package connectors

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
}

func streamBatch(t *testing.T, values ...int64) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, streamSchema())
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(values, nil)
	return b.NewRecord()
}

func TestChannelStream_PreservesOrder(t *testing.T) {
	// Arrange
	stream, writer := NewChannelStream(streamSchema())
	go func() {
		for i := int64(0); i < 5; i++ {
			if err := writer.Send(context.Background(), streamBatch(t, i)); err != nil {
				writer.CloseSend(err)
				return
			}
		}
		writer.CloseSend(nil)
	}()

	// Act / Assert: batches arrive in send order, then EOF.
	for i := int64(0); i < 5; i++ {
		rec, err := stream.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, rec.Column(0).(*array.Int64).Value(0))
		rec.Release()
	}
	_, err := stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestChannelStream_PropagatesError(t *testing.T) {
	stream, writer := NewChannelStream(streamSchema())
	boom := errors.New("source failed")
	go writer.CloseSend(boom)

	_, err := stream.Next(context.Background())
	assert.Equal(t, boom, err)
}

func TestChannelStream_SendFailsAfterConsumerClose(t *testing.T) {
	stream, writer := NewChannelStream(streamSchema())
	stream.Close()

	err := writer.Send(context.Background(), streamBatch(t, 1))
	assert.Error(t, err)
}

func TestChannelStream_CancelUnblocksConsumer(t *testing.T) {
	stream, _ := NewChannelStream(streamSchema())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceStream_CollectRoundTrip(t *testing.T) {
	rec := streamBatch(t, 1, 2, 3)
	defer rec.Release()
	stream := NewSliceStream(streamSchema(), []arrow.Record{rec, rec})

	out, err := Collect(context.Background(), stream)

	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.Equal(t, int64(3), r.NumRows())
		r.Release()
	}
}
