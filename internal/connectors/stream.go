package connectors

import (
	"context"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// streamCapacity bounds every batch handoff. A slow consumer blocks the
// producer at its next send instead of buffering unboundedly.
const streamCapacity = 2

// BatchStream is an ordered stream of record batches with a single schema.
type BatchStream interface {
	Schema() *arrow.Schema
	// Next returns the next batch. io.EOF signals a clean end of stream;
	// any other error terminates the stream. The caller owns the returned
	// record and must Release it.
	Next(ctx context.Context) (arrow.Record, error)
	// Close releases the stream early. Safe to call more than once.
	Close()
}

type item struct {
	rec arrow.Record
	err error
}

// ChannelStream is the standard BatchStream implementation: a bounded channel
// written by a producer goroutine.
type ChannelStream struct {
	schema *arrow.Schema
	ch     chan item

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelStream creates a stream and its producer handle.
func NewChannelStream(schema *arrow.Schema) (*ChannelStream, *StreamWriter) {
	s := &ChannelStream{
		schema: schema,
		ch:     make(chan item, streamCapacity),
		done:   make(chan struct{}),
	}
	return s, &StreamWriter{stream: s}
}

// Schema implements BatchStream.
func (s *ChannelStream) Schema() *arrow.Schema { return s.schema }

// Next implements BatchStream.
func (s *ChannelStream) Next(ctx context.Context) (arrow.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		if it.err != nil {
			return nil, it.err
		}
		return it.rec, nil
	}
}

// Close implements BatchStream. Pending batches are drained and released.
func (s *ChannelStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		go func() {
			for it := range s.ch {
				if it.rec != nil {
					it.rec.Release()
				}
			}
		}()
	})
}

// StreamWriter is the producer side of a ChannelStream.
type StreamWriter struct {
	stream    *ChannelStream
	closeOnce sync.Once
}

// Send hands a batch to the consumer, blocking while the channel is full.
// The stream takes ownership of rec. Send fails once the consumer closed the
// stream or ctx is done.
func (w *StreamWriter) Send(ctx context.Context, rec arrow.Record) error {
	select {
	case <-ctx.Done():
		rec.Release()
		return ctx.Err()
	case <-w.stream.done:
		rec.Release()
		return io.ErrClosedPipe
	case w.stream.ch <- item{rec: rec}:
		return nil
	}
}

// CloseSend ends the stream. A nil err is a clean EOF; a non-nil err is
// delivered to the consumer as the stream error.
func (w *StreamWriter) CloseSend(err error) {
	w.closeOnce.Do(func() {
		if err != nil {
			select {
			case w.stream.ch <- item{err: err}:
			case <-w.stream.done:
			}
		}
		close(w.stream.ch)
	})
}

// SliceStream exposes an in-memory record slice as a BatchStream. Used by the
// memory connector, cache hits and tests.
type SliceStream struct {
	schema *arrow.Schema
	recs   []arrow.Record
	pos    int
}

// NewSliceStream builds a stream over records. The stream retains each record
// and releases its references as they are consumed or on Close.
func NewSliceStream(schema *arrow.Schema, recs []arrow.Record) *SliceStream {
	for _, r := range recs {
		r.Retain()
	}
	return &SliceStream{schema: schema, recs: recs}
}

// Schema implements BatchStream.
func (s *SliceStream) Schema() *arrow.Schema { return s.schema }

// Next implements BatchStream.
func (s *SliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

// Close implements BatchStream.
func (s *SliceStream) Close() {
	for ; s.pos < len(s.recs); s.pos++ {
		s.recs[s.pos].Release()
	}
}

// Collect drains a stream into memory, returning the batches in order.
func Collect(ctx context.Context, stream BatchStream) ([]arrow.Record, error) {
	defer stream.Close()
	var out []arrow.Record
	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, err
		}
		out = append(out, rec)
	}
}
