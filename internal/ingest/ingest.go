// Package ingest implements the streaming write path: an authenticated
// client streams record batches at a writable table; batches are validated,
// appended in order through a single writer task, and acknowledged one by
// one. The session enforces the per-batch row cap and the inactivity
// deadline.
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"helios-runtime/internal/arrowutil"
	"helios-runtime/internal/auth"
	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/observability"
	"helios-runtime/internal/tableref"
)

// MaxBatchRows is the hard per-batch row cap.
const MaxBatchRows = 32_768

// InactivityTimeout aborts a session that goes quiet between batches.
const InactivityTimeout = 30 * time.Second

// BatchSource yields the client's batches in arrival order; io.EOF signals
// the end of the client stream.
type BatchSource interface {
	Next(ctx context.Context) (arrow.Record, error)
}

// Session ingests one client stream into one table.
type Session struct {
	Table        tableref.TableReference
	Target       connectors.WritableTableProvider
	TargetSchema *arrow.Schema
	// OnAck is called after each batch is handed to the writer, with the
	// batch ordinal; transports send one acknowledgment per call.
	OnAck func(batchIndex int)

	Limiter *auth.WriteLimiter
	Metrics *observability.Collector
	Tracing *observability.TracerProvider
	Log     *zap.Logger
}

// Run drives the session to completion. Batches are appended in the order
// received; there is no concurrent append within a session.
func (s *Session) Run(ctx context.Context, source BatchSource) error {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	ctx, span := s.Tracing.StartSpan(ctx, "ingest_session")
	defer span.End()
	rc := auth.FromContext(ctx)
	if err := auth.RequireWrite(rc); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.Limiter.Allow(); err != nil {
		span.RecordError(err)
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Single writer task; the bounded stream is the only channel between
	// receipt and append, so append order equals delivery order.
	writeStream, writer := connectors.NewChannelStream(s.TargetSchema)
	insertDone := make(chan insertResult, 1)
	go func() {
		res, err := s.Target.Insert(sessionCtx, writeStream)
		insertDone <- insertResult{res: res, err: err}
	}()

	err := s.pump(sessionCtx, source, writer)
	if err != nil {
		// Abort the partial write before surfacing the session error.
		writer.CloseSend(err)
		cancel()
		<-insertDone
		span.RecordError(err)
		return err
	}

	writer.CloseSend(nil)
	result := <-insertDone
	if result.err != nil {
		return rterrors.Wrap(result.err, "ingest.insert",
			fmt.Sprintf("ingest into %s failed", s.Table))
	}
	s.Log.Info("ingest session complete",
		zap.String("table", s.Table.String()),
		zap.Int64("rows", result.res.RowsWritten))
	return nil
}

type insertResult struct {
	res connectors.InsertResult
	err error
}

func (s *Session) pump(ctx context.Context, source BatchSource, writer *connectors.StreamWriter) error {
	batchIndex := 0
	schemaChecked := false
	for {
		rec, err := s.nextWithDeadline(ctx, source)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if rec.NumRows() > MaxBatchRows {
			n := rec.NumRows()
			rec.Release()
			return rterrors.InvalidArgument("BATCH_OVER_ROW_LIMIT",
				fmt.Sprintf("batch has %d rows; the limit is %d", n, MaxBatchRows)).Build()
		}
		if !schemaChecked {
			if !arrowutil.IsSchemaSuperset(s.TargetSchema, rec.Schema()) {
				rec.Release()
				return rterrors.FailedPrecondition("SCHEMA_MISMATCH",
					fmt.Sprintf("client schema is not compatible with table %s", s.Table)).Build()
			}
			schemaChecked = true
		}

		// Reshape to the target schema (null-fill absent nullable fields).
		shaped, err := arrowutil.TryCastTo(ctx, rec, s.TargetSchema)
		rec.Release()
		if err != nil {
			return err
		}
		if err := writer.Send(ctx, shaped); err != nil {
			return rterrors.Canceled("INGEST_ABORTED", "write task stopped accepting batches").
				WithCause(err).Build()
		}

		if s.Metrics != nil {
			s.Metrics.IngestBatches.WithLabelValues(s.Table.String()).Inc()
			s.Metrics.IngestRows.WithLabelValues(s.Table.String()).Add(float64(shaped.NumRows()))
		}
		if s.OnAck != nil {
			s.OnAck(batchIndex)
		}
		batchIndex++
	}
}

// nextWithDeadline reads the next client batch, enforcing the inactivity
// timeout between batches.
func (s *Session) nextWithDeadline(ctx context.Context, source BatchSource) (arrow.Record, error) {
	type sourceItem struct {
		rec arrow.Record
		err error
	}
	ch := make(chan sourceItem, 1)
	go func() {
		rec, err := source.Next(ctx)
		ch <- sourceItem{rec: rec, err: err}
	}()

	timer := time.NewTimer(InactivityTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, rterrors.Canceled("INGEST_CANCELED", "ingest session canceled").
			WithCause(ctx.Err()).Build()
	case <-timer.C:
		return nil, rterrors.DeadlineExceeded("INGEST_INACTIVITY",
			fmt.Sprintf("no record batch received within %s", InactivityTimeout)).Build()
	case item := <-ch:
		return item.rec, item.err
	}
}
