package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"helios-runtime/internal/config"
	"helios-runtime/internal/query"
	"helios-runtime/internal/store"
	"helios-runtime/internal/tableref"
)

// historyTable is the task-history table in the runtime-internal schema.
const historyTable = query.RuntimeSchema + ".task_history"

// evalRunsTable persists eval-run results; the schema is reserved even when
// the model runtime is not attached.
const evalRunsTable = "eval.runs"

// HistoryStore persists per-query telemetry into the runtime-internal schema
// with a bounded retention period.
type HistoryStore struct {
	store     *store.Store
	retention time.Duration
	enabled   bool
	log       *zap.Logger
}

// NewHistoryStore creates the runtime-internal tables and returns the sink.
func NewHistoryStore(ctx context.Context, st *store.Store, cfg config.TaskHistory, log *zap.Logger) (*HistoryStore, error) {
	h := &HistoryStore{store: st, retention: cfg.Retention, enabled: cfg.Enabled, log: log}
	if !cfg.Enabled {
		return h, nil
	}
	if err := st.CreateSchema(ctx, query.RuntimeSchema); err != nil {
		return nil, err
	}
	if err := st.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR NOT NULL,
		sql VARCHAR,
		protocol VARCHAR,
		start_time TIMESTAMP,
		wall_time_ms BIGINT,
		execution_time_ms BIGINT,
		rows_produced BIGINT,
		bytes_processed BIGINT,
		bytes_returned BIGINT,
		datasets VARCHAR,
		cache_status VARCHAR,
		accelerated BOOLEAN,
		runtime_query BOOLEAN,
		error_code VARCHAR,
		error_message VARCHAR,
		captured_output VARCHAR
	)`, historyTable)); err != nil {
		return nil, err
	}
	if err := st.CreateSchema(ctx, "eval"); err != nil {
		return nil, err
	}
	if err := st.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR NOT NULL,
		created_at TIMESTAMP,
		completed_at TIMESTAMP,
		dataset VARCHAR,
		model VARCHAR,
		status VARCHAR,
		error_message VARCHAR,
		scorers VARCHAR[],
		metrics MAP(VARCHAR, FLOAT)
	)`, evalRunsTable)); err != nil {
		return nil, err
	}
	return h, nil
}

// RecordQuery implements query.HistorySink.
func (h *HistoryStore) RecordQuery(ctx context.Context, rec query.HistoryRecord) {
	if h == nil || !h.enabled {
		return
	}
	datasets := make([]string, len(rec.Datasets))
	for i, d := range rec.Datasets {
		datasets[i] = d.String()
	}
	err := h.store.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", historyTable),
		rec.ID, rec.SQL, string(rec.Protocol), rec.StartTime,
		rec.WallDuration.Milliseconds(), rec.ExecDuration.Milliseconds(),
		rec.RowsProduced, rec.BytesProcessed, rec.BytesReturned,
		strings.Join(datasets, ","), string(rec.CacheStatus),
		rec.Accelerated, rec.RuntimeQuery,
		rec.ErrorCode, rec.ErrorMessage, rec.CapturedOutput,
	)
	if err != nil {
		h.log.Warn("failed to persist task history", zap.Error(err))
	}
}

// RunRetentionLoop prunes history rows past the retention period until ctx
// is done.
func (h *HistoryStore) RunRetentionLoop(ctx context.Context) {
	if !h.enabled || h.retention <= 0 {
		return
	}
	interval := h.retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.retention)
			if err := h.store.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE start_time < ?", historyTable), cutoff); err != nil {
				h.log.Warn("task history pruning failed", zap.Error(err))
			}
		}
	}
}

var _ query.HistorySink = (*HistoryStore)(nil)

// historyRef is the reference under which task history is queryable.
var historyRef = tableref.TableReference{Schema: query.RuntimeSchema, Table: "task_history"}

// HistoryRef returns the task-history table reference.
func HistoryRef() tableref.TableReference { return historyRef }
