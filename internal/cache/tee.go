package cache

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"helios-runtime/internal/connectors"
	"helios-runtime/internal/tableref"
)

// teeStream forwards batches downstream while copying them into a side
// buffer. The buffer is installed in the cache only after a clean end of
// stream; an error, cancellation, or early Close discards it. The buffer
// never runs ahead of the downstream consumer.
type teeStream struct {
	inner       connectors.BatchStream
	cache       *ResultsCache
	key         uint64
	inputTables tableref.Set

	buffer    []arrow.Record
	installed bool
	discarded bool
}

// WrapStream interposes the cache T-joint on a stream.
func (c *ResultsCache) WrapStream(inner connectors.BatchStream, key uint64, inputTables tableref.Set) connectors.BatchStream {
	return &teeStream{inner: inner, cache: c, key: key, inputTables: inputTables}
}

// Schema implements BatchStream.
func (t *teeStream) Schema() *arrow.Schema { return t.inner.Schema() }

// Next implements BatchStream.
func (t *teeStream) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := t.inner.Next(ctx)
	if err == io.EOF {
		t.install()
		return nil, io.EOF
	}
	if err != nil {
		t.discard()
		return nil, err
	}
	if !t.discarded {
		rec.Retain()
		t.buffer = append(t.buffer, rec)
	}
	return rec, nil
}

// Close implements BatchStream. Closing before EOF discards the partial
// buffer: a partially-consumed result is never installed.
func (t *teeStream) Close() {
	t.discard()
	t.inner.Close()
}

func (t *teeStream) install() {
	if t.installed || t.discarded {
		return
	}
	t.installed = true
	t.cache.Put(t.key, t.inner.Schema(), t.buffer, t.inputTables)
	for _, r := range t.buffer {
		r.Release()
	}
	t.buffer = nil
}

func (t *teeStream) discard() {
	if t.installed || t.discarded {
		return
	}
	t.discarded = true
	for _, r := range t.buffer {
		r.Release()
	}
	t.buffer = nil
}
