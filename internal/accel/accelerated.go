package accel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/observability"
	"helios-runtime/internal/store"
	"helios-runtime/internal/tableref"
)

// Status is the accelerated-table lifecycle state.
type Status string

const (
	StatusInitializing Status = "Initializing"
	StatusReady        Status = "Ready"
	StatusRefreshing   Status = "Refreshing"
	StatusDisabled     Status = "Disabled"
	StatusError        Status = "Error"
)

// RefreshMode selects how the local mirror is kept current.
type RefreshMode string

const (
	RefreshModeFull    RefreshMode = "full"
	RefreshModeAppend  RefreshMode = "append"
	RefreshModeChanges RefreshMode = "changes"
)

// Config controls a single accelerated table.
type Config struct {
	Mode RefreshMode
	// RefreshSQL overrides the default `SELECT * FROM <source>` for Full
	// refreshes against SQL-capable sources.
	RefreshSQL string
	// CheckInterval is the periodic refresh cadence; zero disables the timer
	// (refreshes then only run on demand).
	CheckInterval time.Duration
	// InitialLoadTimeout bounds the first load. Zero means load to
	// completion. A timed-out load keeps no data in any mode, Append
	// included: the store rolls the ingest back and reports zero rows, so the
	// table goes to Error.
	InitialLoadTimeout time.Duration
	// KeyColumns identify rows for Changes mode.
	KeyColumns []string
	// ChangesBatchSize bounds how many CDC records are applied per
	// transaction.
	ChangesBatchSize int
}

// AcceleratedTable wraps a source TableProvider with a locally-materialized
// DuckDB mirror and owns its refresh lifecycle.
type AcceleratedTable struct {
	ref        tableref.TableReference
	dataset    connectors.Dataset
	source     connectors.TableProvider
	changes    connectors.ChangeStream
	store      *store.Store
	localTable string
	cfg        Config
	timeFilter *TimestampFilterConvert
	log        *zap.Logger
	breaker    *gobreaker.CircuitBreaker

	// OnRefreshComplete is invoked after every successful refresh; the
	// runtime hooks cache invalidation and metrics here.
	OnRefreshComplete func(ref tableref.TableReference, rows int64)
	// Tracing wraps loads in spans when set; nil is a no-op.
	Tracing *observability.TracerProvider

	mu              sync.Mutex
	status          Status
	refreshSQL      string
	lastRefreshEnd  *time.Time
	federatedSchema *arrow.Schema
	firstLoadErr    error

	// refreshTrigger coalesces concurrent refresh requests: a trigger that
	// arrives while one is pending is dropped, not queued.
	refreshTrigger chan struct{}
	ready          chan struct{}
	readyOnce      sync.Once
	stop           context.CancelFunc
	done           chan struct{}
}

// New constructs an accelerated table mirroring dataset into localTable.
func New(
	ref tableref.TableReference,
	dataset connectors.Dataset,
	source connectors.TableProvider,
	changes connectors.ChangeStream,
	st *store.Store,
	localTable string,
	cfg Config,
	timeFilter *TimestampFilterConvert,
	log *zap.Logger,
) *AcceleratedTable {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = RefreshModeFull
	}
	if cfg.ChangesBatchSize <= 0 {
		cfg.ChangesBatchSize = 1024
	}
	return &AcceleratedTable{
		ref:        ref,
		dataset:    dataset,
		source:     source,
		changes:    changes,
		store:      st,
		localTable: localTable,
		cfg:        cfg,
		timeFilter: timeFilter,
		log:        log.With(zap.String("dataset", dataset.Name)),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "accel:" + dataset.Name,
			Timeout: 30 * time.Second,
		}),
		status:         StatusInitializing,
		refreshSQL:     cfg.RefreshSQL,
		refreshTrigger: make(chan struct{}, 1),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start begins the initial load and the refresh loop.
func (t *AcceleratedTable) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.stop = cancel
	go t.run(ctx)
}

// Stop cancels the refresh loop and waits for it to exit.
func (t *AcceleratedTable) Stop() {
	if t.stop != nil {
		t.stop()
		<-t.done
	}
}

// Status returns the current lifecycle state.
func (t *AcceleratedTable) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Disable puts the table into the Disabled state; queries against it fail
// until an operator re-enables the dataset.
func (t *AcceleratedTable) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusDisabled
}

// Ready reports whether queries may be served from the local mirror.
func (t *AcceleratedTable) Ready() bool {
	s := t.Status()
	return s == StatusReady || s == StatusRefreshing
}

// CheckReady returns the user-recoverable readiness error for queries that
// reference a not-yet-ready acceleration.
func (t *AcceleratedTable) CheckReady() error {
	switch t.Status() {
	case StatusReady, StatusRefreshing:
		return nil
	case StatusDisabled:
		return rterrors.FailedPrecondition("ACCELERATION_DISABLED",
			fmt.Sprintf("dataset %s acceleration is disabled", t.dataset.Name)).Build()
	default:
		return rterrors.Unavailable("ACCELERATION_NOT_READY",
			fmt.Sprintf("dataset %s acceleration is not ready; loading initial data", t.dataset.Name)).Build()
	}
}

// LocalTable returns the mirror's qualified table name in the local store.
func (t *AcceleratedTable) LocalTable() string { return t.localTable }

// Ref returns the logical table reference this acceleration serves.
func (t *AcceleratedTable) Ref() tableref.TableReference { return t.ref }

// FederatedSchema returns the source schema observed at load time.
func (t *AcceleratedTable) FederatedSchema() *arrow.Schema {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.federatedSchema
}

// LastRefreshEnd returns the completion time of the last successful refresh.
func (t *AcceleratedTable) LastRefreshEnd() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRefreshEnd
}

// RefreshSQL returns the active refresh SQL, or "" for the default scan.
func (t *AcceleratedTable) RefreshSQL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshSQL
}

// SetRefreshSQL replaces the refresh SQL at runtime. The change is in-memory
// only and lost on restart.
func (t *AcceleratedTable) SetRefreshSQL(sql string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshSQL = sql
}

// TriggerRefresh requests a refresh. Requests arriving while one is already
// pending or in flight are coalesced.
func (t *AcceleratedTable) TriggerRefresh() {
	select {
	case t.refreshTrigger <- struct{}{}:
	default:
	}
}

// WaitReady blocks until the first load completes or ctx is done.
func (t *AcceleratedTable) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ready:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.firstLoadErr
	}
}

// ----------------------------------------------------------------------------
// refresh loop
// ----------------------------------------------------------------------------

func (t *AcceleratedTable) run(ctx context.Context) {
	defer close(t.done)

	t.initialLoad(ctx)

	var tick <-chan time.Time
	if t.cfg.CheckInterval > 0 {
		ticker := time.NewTicker(t.cfg.CheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			t.refreshOnce(ctx)
		case <-t.refreshTrigger:
			t.refreshOnce(ctx)
		}
		// A trigger that arrived while the refresh ran is coalesced into it.
		select {
		case <-t.refreshTrigger:
		default:
		}
	}
}

func (t *AcceleratedTable) initialLoad(ctx context.Context) {
	ctx, span := t.Tracing.StartSpan(ctx, "acceleration_initial_load")
	defer span.End()
	loadCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t.cfg.InitialLoadTimeout > 0 {
		loadCtx, cancel = context.WithTimeout(ctx, t.cfg.InitialLoadTimeout)
	}
	defer cancel()

	start := time.Now()
	rows, err := t.load(loadCtx, true)
	if err != nil {
		partialOK := t.cfg.Mode == RefreshModeAppend && errors.Is(err, context.DeadlineExceeded) && rows > 0
		if !partialOK {
			t.log.Error("initial load failed", zap.Error(err))
			t.setStatus(StatusError)
			t.mu.Lock()
			t.firstLoadErr = err
			t.mu.Unlock()
			t.readyOnce.Do(func() { close(t.ready) })
			return
		}
		t.log.Warn("initial load timed out; continuing with partial data",
			zap.Int64("rows", rows))
	}
	t.markRefreshed(rows)
	t.setStatus(StatusReady)
	t.readyOnce.Do(func() { close(t.ready) })
	t.log.Info("acceleration ready",
		zap.Int64("rows", rows),
		zap.Duration("load_duration", time.Since(start)))
}

func (t *AcceleratedTable) refreshOnce(ctx context.Context) {
	if t.Status() == StatusDisabled {
		return
	}
	ctx, span := t.Tracing.StartSpan(ctx, "acceleration_refresh")
	defer span.End()
	t.setStatus(StatusRefreshing)

	operation := func() (int64, error) {
		res, err := t.breaker.Execute(func() (any, error) {
			return t.load(ctx, false)
		})
		if err != nil {
			return 0, err
		}
		return res.(int64), nil
	}
	rows, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))

	// Failed refreshes retain the previous snapshot; the table goes back to
	// Ready and the failure is logged.
	if err != nil {
		t.log.Warn("refresh failed; retaining previous data", zap.Error(err))
		t.setStatus(StatusReady)
		return
	}
	t.markRefreshed(rows)
	t.setStatus(StatusReady)
}

// load materializes data per the refresh mode. Returns the number of rows
// loaded; the Full and Append paths report zero on failure, because the
// store rolls a failed load back.
func (t *AcceleratedTable) load(ctx context.Context, initial bool) (int64, error) {
	switch t.cfg.Mode {
	case RefreshModeAppend:
		return t.loadAppend(ctx, initial)
	case RefreshModeChanges:
		return t.loadChanges(ctx, initial)
	default:
		return t.loadFull(ctx)
	}
}

func (t *AcceleratedTable) loadFull(ctx context.Context) (int64, error) {
	stream, err := t.openSourceStream(ctx, nil)
	if err != nil {
		return 0, err
	}
	t.observeSchema(stream.Schema())
	return t.store.ReplaceFromStream(ctx, t.localTable, stream)
}

func (t *AcceleratedTable) loadAppend(ctx context.Context, initial bool) (int64, error) {
	exists, err := t.store.TableExists(ctx, t.localTable)
	if err != nil {
		return 0, err
	}

	// Schema drift rebuilds the mirror instead of appending into a table
	// whose on-disk shape no longer matches the source.
	if exists {
		drifted, err := t.sourceSchemaDrifted(ctx)
		if err != nil {
			return 0, err
		}
		if drifted {
			t.log.Warn("source schema drift detected; rebuilding mirror")
			return t.loadFull(ctx)
		}
	}

	var filters []connectors.Filter
	if exists && t.timeFilter != nil {
		watermark, found, err := t.store.MaxValue(ctx, t.localTable, t.timeFilter.TimeColumn())
		if err != nil {
			return 0, err
		}
		if found {
			if ns, ok := t.timeFilter.WatermarkNanos(watermark); ok {
				filters = t.timeFilter.ConvertFilters(ns, connectors.OpGt)
			}
		}
	}

	stream, err := t.openSourceStream(ctx, filters)
	if err != nil {
		return 0, err
	}
	t.observeSchema(stream.Schema())
	if !exists {
		if err := t.store.CreateTable(ctx, t.localTable, stream.Schema()); err != nil {
			stream.Close()
			return 0, err
		}
	}
	return t.store.IngestStream(ctx, t.localTable, stream)
}

func (t *AcceleratedTable) loadChanges(ctx context.Context, initial bool) (int64, error) {
	if t.changes == nil {
		return 0, rterrors.FailedPrecondition("CDC_UNSUPPORTED",
			fmt.Sprintf("dataset %s source does not provide a change stream", t.dataset.Name)).Build()
	}
	if initial {
		// Changes mode still needs a seed snapshot before applying deltas.
		if n, err := t.loadFull(ctx); err != nil {
			return n, err
		}
	}

	var applied int64
	batch := make([]connectors.Change, 0, t.cfg.ChangesBatchSize)
	var lastToken string

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := t.store.ApplyChanges(ctx, t.localTable, t.cfg.KeyColumns, batch); err != nil {
			return err
		}
		if err := t.changes.Commit(ctx, lastToken); err != nil {
			return err
		}
		applied += int64(len(batch))
		for _, c := range batch {
			if c.Data != nil {
				c.Data.Release()
			}
		}
		batch = batch[:0]
		return nil
	}

	for {
		change, err := t.changes.Next(ctx)
		if err == io.EOF {
			return applied, flush()
		}
		if err != nil {
			return applied, err
		}
		batch = append(batch, change)
		lastToken = change.CommitToken
		if len(batch) >= t.cfg.ChangesBatchSize {
			if err := flush(); err != nil {
				return applied, err
			}
		}
	}
}

// openSourceStream scans the source, preferring a custom refresh SQL on
// SQL-capable providers.
func (t *AcceleratedTable) openSourceStream(ctx context.Context, filters []connectors.Filter) (connectors.BatchStream, error) {
	refreshSQL := t.RefreshSQL()
	if refreshSQL != "" {
		if scanner, ok := t.source.(connectors.SQLScanner); ok {
			return scanner.ScanSQL(ctx, refreshSQL)
		}
		t.log.Warn("refresh SQL configured but source cannot evaluate SQL; falling back to full scan")
	}
	return t.source.Scan(ctx, connectors.ScanRequest{Filters: filters})
}

// sourceSchemaDrifted probes the source schema and compares it against the
// schema observed at load time.
func (t *AcceleratedTable) sourceSchemaDrifted(ctx context.Context) (bool, error) {
	current, err := t.source.Schema(ctx)
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.federatedSchema == nil {
		return false, nil
	}
	return !t.federatedSchema.Equal(current), nil
}

// observeSchema records the schema seen on a load. Drift is never merged:
// the observed schema is replaced wholesale, and Append-mode loads rebuild
// the mirror through the full-replace path when they detect it.
func (t *AcceleratedTable) observeSchema(schema *arrow.Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.federatedSchema == nil || !t.federatedSchema.Equal(schema) {
		t.federatedSchema = schema
	}
}

func (t *AcceleratedTable) setStatus(s Status) {
	t.mu.Lock()
	if t.status != StatusDisabled || s == StatusDisabled {
		t.status = s
	}
	t.mu.Unlock()
}

func (t *AcceleratedTable) markRefreshed(rows int64) {
	now := time.Now()
	t.mu.Lock()
	t.lastRefreshEnd = &now
	t.mu.Unlock()
	if t.OnRefreshComplete != nil {
		t.OnRefreshComplete(t.ref, rows)
	}
}
