package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"helios-runtime/internal/arrowutil"
	"helios-runtime/internal/auth"
	"helios-runtime/internal/cache"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/observability"
	"helios-runtime/internal/tableref"
)

// capturedOutputRows is how many leading rows of the first batch are kept in
// task history.
const capturedOutputRows = 3

// capturedOutputMaxChars truncates captured string values.
const capturedOutputMaxChars = 512

// HistorySink persists finished query records. The runtime backs it with the
// task-history table in the runtime-internal schema.
type HistorySink interface {
	RecordQuery(ctx context.Context, rec HistoryRecord)
}

// HistoryRecord is one finished query's telemetry.
type HistoryRecord struct {
	ID             string
	SQL            string
	Protocol       auth.Protocol
	StartTime      time.Time
	WallDuration   time.Duration
	ExecDuration   time.Duration
	RowsProduced   int64
	BytesReturned  int64
	BytesProcessed int64
	Datasets       []tableref.TableReference
	CacheStatus    cache.Status
	Accelerated    bool
	RuntimeQuery   bool
	ErrorCode      string
	ErrorMessage   string
	CapturedOutput string
}

// Tracker follows a single query from entry to stream end. It is finalized
// exactly once, on success or error.
type Tracker struct {
	id        string
	sql       string
	protocol  auth.Protocol
	startTime time.Time
	execStart time.Time

	mu             sync.Mutex
	finished       bool
	rowCount       int64
	byteCount      int64
	processedBytes int64
	datasets       []tableref.TableReference
	cacheStatus    cache.Status
	accelerated    bool
	runtimeQuery   bool
	captured       string

	metrics *observability.Collector
	history HistorySink
	log     *zap.Logger
}

func newTracker(sql string, protocol auth.Protocol, metrics *observability.Collector, history HistorySink, log *zap.Logger) *Tracker {
	return &Tracker{
		id:          uuid.NewString(),
		sql:         sql,
		protocol:    protocol,
		startTime:   time.Now(),
		cacheStatus: cache.StatusDisabled,
		metrics:     metrics,
		history:     history,
		log:         log,
	}
}

// ID returns the query's unique identifier.
func (t *Tracker) ID() string { return t.id }

func (t *Tracker) setDatasets(refs []tableref.TableReference) {
	t.mu.Lock()
	t.datasets = refs
	t.mu.Unlock()
}

func (t *Tracker) setCacheStatus(s cache.Status) {
	t.mu.Lock()
	t.cacheStatus = s
	t.mu.Unlock()
}

func (t *Tracker) setAccelerated(v bool)  { t.mu.Lock(); t.accelerated = v; t.mu.Unlock() }
func (t *Tracker) setRuntimeQuery(v bool) { t.mu.Lock(); t.runtimeQuery = v; t.mu.Unlock() }

// markExecutionStart starts the engine-execution timer; cache hits never
// call it and report zero execution time.
func (t *Tracker) markExecutionStart() {
	t.mu.Lock()
	t.execStart = time.Now()
	t.mu.Unlock()
}

func (t *Tracker) observeBatch(rec arrow.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := arrowutil.RecordSize(rec)
	t.byteCount += size
	t.processedBytes += size
	if t.rowCount == 0 && rec.NumRows() > 0 {
		t.captured = renderCaptured(rec)
	}
	t.rowCount += rec.NumRows()
}

// renderCaptured keeps the first rows of the first batch, with long strings
// truncated, as a compact printable snippet for task history.
func renderCaptured(rec arrow.Record) string {
	head := arrowutil.SliceHead(rec, capturedOutputRows)
	defer head.Release()
	truncated, err := arrowutil.TruncateStringColumns(head, capturedOutputMaxChars)
	if err != nil {
		return ""
	}
	defer truncated.Release()
	var sb strings.Builder
	for row := 0; row < int(truncated.NumRows()); row++ {
		if row > 0 {
			sb.WriteByte('\n')
		}
		for col := 0; col < int(truncated.NumCols()); col++ {
			if col > 0 {
				sb.WriteString(", ")
			}
			if truncated.Column(col).IsNull(row) {
				sb.WriteString("NULL")
				continue
			}
			sb.WriteString(truncated.Column(col).ValueStr(row))
		}
	}
	return sb.String()
}

// finish finalizes the tracker on clean stream end. Idempotent.
func (t *Tracker) finish(ctx context.Context) {
	t.finalize(ctx, "", "")
}

// finishWithError finalizes the tracker on failure. Idempotent.
func (t *Tracker) finishWithError(ctx context.Context, err error) {
	code := string(rterrors.KindOf(err))
	t.finalize(ctx, code, err.Error())
}

func (t *Tracker) finalize(ctx context.Context, errorCode, errorMessage string) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true

	wall := time.Since(t.startTime)
	var exec time.Duration
	if !t.execStart.IsZero() {
		exec = time.Since(t.execStart)
	}
	rec := HistoryRecord{
		ID:             t.id,
		SQL:            t.sql,
		Protocol:       t.protocol,
		StartTime:      t.startTime,
		WallDuration:   wall,
		ExecDuration:   exec,
		RowsProduced:   t.rowCount,
		BytesReturned:  t.byteCount,
		BytesProcessed: t.processedBytes,
		Datasets:       t.datasets,
		CacheStatus:    t.cacheStatus,
		Accelerated:    t.accelerated,
		RuntimeQuery:   t.runtimeQuery,
		ErrorCode:      errorCode,
		ErrorMessage:   errorMessage,
		CapturedOutput: t.captured,
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ObserveQuery(string(rec.Protocol), string(rec.CacheStatus),
			rec.WallDuration, rec.ExecDuration, rec.BytesProcessed, rec.BytesReturned)
		if errorCode != "" {
			t.metrics.QueryErrors.WithLabelValues(errorCode).Inc()
		}
	}
	if t.history != nil {
		t.history.RecordQuery(ctx, rec)
	}
	if errorCode != "" {
		t.log.Warn("query failed",
			zap.String("query_id", rec.ID),
			zap.String("error_code", errorCode),
			zap.String("error", errorMessage))
	} else {
		t.log.Debug("query finished",
			zap.String("query_id", rec.ID),
			zap.Int64("rows", rec.RowsProduced),
			zap.Duration("wall", rec.WallDuration))
	}
}
