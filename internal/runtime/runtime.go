// Package runtime assembles the core: it constructs connectors from
// configuration through the registry, owns the dataset and catalog
// registries, builds accelerated tables, resolves table references for the
// query engine, and coordinates startup and shutdown.
package runtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"helios-runtime/internal/accel"
	"helios-runtime/internal/auth"
	"helios-runtime/internal/cache"
	"helios-runtime/internal/catalogs"
	"helios-runtime/internal/config"
	"helios-runtime/internal/connectors"
	"helios-runtime/internal/connectors/duckdb"
	"helios-runtime/internal/connectors/file"
	"helios-runtime/internal/connectors/flightconn"
	"helios-runtime/internal/connectors/memory"
	"helios-runtime/internal/connectors/postgres"
	"helios-runtime/internal/connectors/s3"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/observability"
	"helios-runtime/internal/params"
	"helios-runtime/internal/query"
	"helios-runtime/internal/sqlfront"
	"helios-runtime/internal/store"
	"helios-runtime/internal/tableref"
)

// defaultCatalogRefreshInterval is the catalog re-enumeration cadence.
const defaultCatalogRefreshInterval = 1 * time.Minute

// datasetState tracks one configured dataset.
type datasetState struct {
	cfg      config.Dataset
	dataset  connectors.Dataset
	conn     connectors.DataConnector
	provider connectors.TableProvider
	accel    *accel.AcceleratedTable
}

// Runtime is the assembled core.
type Runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Collector
	tracing *observability.TracerProvider

	registry *connectors.Registry
	store    *store.Store
	cache    *cache.ResultsCache
	engine   *query.Engine
	limiter  *auth.WriteLimiter
	keys     *auth.KeySet
	history  *HistoryStore

	mu       sync.RWMutex
	datasets map[string]*datasetState
	catalogs map[string]*catalogs.RefreshableCatalogProvider

	memTables *memory.TableSet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the runtime from configuration. Connectors are registered
// and the registry frozen before any dataset loads. A nil tracing provider
// disables span emission.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, tracing *observability.TracerProvider) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := observability.NewCollector(cfg.Telemetry.MetricsNamespace)

	st, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, err
	}
	resultsCache, err := cache.New(cache.Config{
		Enabled:      cfg.Cache.Enabled,
		TTL:          cfg.Cache.TTL,
		MaxSizeBytes: cfg.Cache.MaxSizeBytes,
		MaxEntries:   cfg.Cache.MaxEntries,
		Policy:       cache.EvictionPolicy(cfg.Cache.Policy),
	}, log)
	if err != nil {
		return nil, err
	}
	resultsCache.OnEvict = func(_ uint64, _ int64) {
		metrics.ResultsCacheEvictions.Inc()
	}
	resultsCache.OnSize = func(totalBytes int64) {
		metrics.ResultsCacheSizeBytes.Set(float64(totalBytes))
	}

	secrets := params.NewEnvSecretStore(lookupEnv)
	memTables := memory.NewTableSet()
	registry := connectors.NewRegistry(secrets, log)
	registry.Register(postgres.Factory{})
	registry.Register(s3.Factory{})
	registry.Register(duckdb.Factory{})
	registry.Register(flightconn.Factory{})
	registry.Register(file.NewFactory(file.Prefix))
	registry.Register(file.NewFactory(file.DeltaPrefix))
	registry.Register(memory.NewFactory(memTables))
	registry.Freeze()

	analyzer, err := sqlfront.NewAnalyzer()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		tracing:   tracing,
		registry:  registry,
		store:     st,
		cache:     resultsCache,
		limiter:   auth.NewWriteLimiter(cfg.Auth.WritesPerMinute),
		keys:      auth.NewKeySet(cfg.Auth.APIKeys),
		datasets:  make(map[string]*datasetState),
		catalogs:  make(map[string]*catalogs.RefreshableCatalogProvider),
		memTables: memTables,
	}

	rt.history, err = NewHistoryStore(ctx, st, cfg.TaskHistory, log)
	if err != nil {
		return nil, err
	}
	rt.engine = query.New(analyzer, st, resultsCache, rt, metrics, rt.history, tracing, log)
	return rt, nil
}

// Start loads datasets and catalogs and begins their background loops.
func (r *Runtime) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	for _, ds := range r.cfg.Datasets {
		if err := r.loadDataset(ctx, ds); err != nil {
			return err
		}
	}
	for _, cat := range r.cfg.Catalogs {
		if err := r.loadCatalog(ctx, cat); err != nil {
			r.log.Warn("catalog attach failed; continuing without it",
				zap.String("catalog", cat.Name), zap.Error(err))
			r.metrics.CatalogRefreshErrors.WithLabelValues(cat.Name).Inc()
		}
	}
	if r.history != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.history.RunRetentionLoop(ctx)
		}()
	}
	return nil
}

// Shutdown broadcasts cancellation and releases resources. In-flight queries
// and refreshes abort at their next suspension point.
func (r *Runtime) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.RLock()
	for _, ds := range r.datasets {
		if ds.accel != nil {
			ds.accel.Stop()
		}
	}
	r.mu.RUnlock()
	r.wg.Wait()
	r.cache.Shutdown()
	_ = r.store.Close()
}

// Engine returns the query engine.
func (r *Runtime) Engine() *query.Engine { return r.engine }

// Metrics returns the metrics collector.
func (r *Runtime) Metrics() *observability.Collector { return r.metrics }

// Tracing returns the tracer provider; nil when tracing is disabled.
func (r *Runtime) Tracing() *observability.TracerProvider { return r.tracing }

// Keys returns the configured API key set.
func (r *Runtime) Keys() *auth.KeySet { return r.keys }

// Limiter returns the write-surface rate limiter.
func (r *Runtime) Limiter() *auth.WriteLimiter { return r.limiter }

// Store returns the local store.
func (r *Runtime) Store() *store.Store { return r.store }

// MemoryTables returns the in-process table set backing the memory connector.
func (r *Runtime) MemoryTables() *memory.TableSet { return r.memTables }

// ----------------------------------------------------------------------------
// dataset loading
// ----------------------------------------------------------------------------

func (r *Runtime) loadDataset(ctx context.Context, ds config.Dataset) error {
	dataset := connectors.Dataset{
		Name:                ds.Name,
		From:                ds.From,
		TimeColumn:          ds.TimeColumn,
		TimeFormat:          ds.TimeFormat,
		PartitionColumn:     ds.PartitionColumn,
		PartitionTimeFormat: ds.PartitionTimeFormat,
	}
	supplied := make(map[string]params.Secret, len(ds.Params))
	for k, v := range ds.Params {
		supplied[k] = params.NewSecret(v)
	}
	conn, err := r.registry.Connect(ctx, dataset, supplied)
	if err != nil {
		r.metrics.DatasetLoadErrors.WithLabelValues(ds.Name).Inc()
		return err
	}
	provider, err := conn.ReadProvider(ctx, dataset)
	if err != nil {
		r.metrics.DatasetLoadErrors.WithLabelValues(ds.Name).Inc()
		return err
	}

	state := &datasetState{cfg: ds, dataset: dataset, conn: conn, provider: provider}

	if ds.Acceleration != nil && ds.Acceleration.Enabled {
		accelTable, err := r.buildAcceleration(ctx, state, ds)
		if err != nil {
			r.metrics.DatasetLoadErrors.WithLabelValues(ds.Name).Inc()
			return err
		}
		state.accel = accelTable
	}

	r.mu.Lock()
	r.datasets[ds.Name] = state
	r.mu.Unlock()
	r.log.Info("dataset loaded",
		zap.String("dataset", ds.Name),
		zap.String("from", ds.From),
		zap.Bool("accelerated", state.accel != nil))
	return nil
}

func (r *Runtime) buildAcceleration(ctx context.Context, state *datasetState, ds config.Dataset) (*accel.AcceleratedTable, error) {
	schema, err := state.provider.Schema(ctx)
	if err != nil {
		return nil, err
	}

	var timeFilter *accel.TimestampFilterConvert
	if ds.TimeColumn != "" {
		timeFilter = accel.NewTimestampFilterConvert(
			findField(schema, ds.TimeColumn), ds.TimeColumn, accel.TimeFormat(ds.TimeFormat),
			findField(schema, ds.PartitionColumn), ds.PartitionColumn, accel.TimeFormat(ds.PartitionTimeFormat))
	}

	var changeStream connectors.ChangeStream
	if ds.Acceleration.RefreshMode == string(accel.RefreshModeChanges) {
		streamConn, ok := state.conn.(connectors.StreamConnector)
		if !ok {
			return nil, rterrors.FailedPrecondition("CDC_UNSUPPORTED",
				fmt.Sprintf("dataset %s requests changes mode but connector %s has no change stream",
					ds.Name, state.dataset.Prefix())).Build()
		}
		changeStream, err = streamConn.StreamProvider(ctx, state.dataset)
		if err != nil {
			return nil, err
		}
	}

	ref := tableref.Parse(ds.Name).Resolve(r.cfg.Defaults.Catalog, r.cfg.Defaults.Schema)
	accelTable := accel.New(
		ref, state.dataset, state.provider, changeStream,
		r.store, localTableName(ds.Name),
		accel.Config{
			Mode:               accel.RefreshMode(ds.Acceleration.RefreshMode),
			RefreshSQL:         ds.Acceleration.RefreshSQL,
			CheckInterval:      ds.Acceleration.RefreshInterval,
			InitialLoadTimeout: ds.Acceleration.InitialLoadTimeout,
			KeyColumns:         ds.Acceleration.KeyColumns,
		},
		timeFilter, r.log,
	)
	accelTable.Tracing = r.tracing
	accelTable.OnRefreshComplete = func(ref tableref.TableReference, rows int64) {
		r.engine.InvalidateTable(ref)
		r.engine.InvalidateTable(tableref.TableReference{Table: ref.Table})
		r.metrics.SetDatasetStatus(ds.Name, string(accelTable.Status()))
	}
	accelTable.Start(ctx)
	r.metrics.SetDatasetStatus(ds.Name, string(accel.StatusInitializing))
	return accelTable, nil
}

// localTableName is the mirror's name in the local store; the bare dataset
// name, so SQL referencing the dataset runs unmodified.
func localTableName(dataset string) string {
	return strings.ToLower(dataset)
}

// findField returns the named field of a schema, or nil when absent.
func findField(schema *arrow.Schema, name string) *arrow.Field {
	if name == "" {
		return nil
	}
	idx := schema.FieldIndices(name)
	if len(idx) != 1 {
		return nil
	}
	f := schema.Field(idx[0])
	return &f
}

// ----------------------------------------------------------------------------
// catalog loading
// ----------------------------------------------------------------------------

func (r *Runtime) loadCatalog(ctx context.Context, cat config.Catalog) error {
	var lister catalogs.Lister
	prefix, locator, _ := strings.Cut(cat.From, ":")
	switch prefix {
	case "iceberg":
		l, err := catalogs.NewIcebergLister(ctx, cat.Name, locator, cat.Params, r.materializeIcebergTable)
		if err != nil {
			return err
		}
		lister = l
	case "cloud":
		l := catalogs.NewCloudLister(locator, cat.Name, cat.Params["api_key"], r.materializeCloudTable(cat))
		lister = l
	default:
		return rterrors.InvalidArgument("UNKNOWN_CATALOG_KIND",
			fmt.Sprintf("catalog %s has unsupported source %q", cat.Name, prefix)).Build()
	}

	provider := catalogs.NewProvider(cat.Name, lister, cat.Include, r.log)
	r.mu.Lock()
	r.catalogs[cat.Name] = provider
	r.mu.Unlock()

	interval := cat.RefreshInterval
	if interval <= 0 {
		interval = defaultCatalogRefreshInterval
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		provider.RunRefreshLoop(ctx, interval)
	}()
	return nil
}

// AttachCatalog installs an already-constructed catalog provider. Embedders
// and tests use this to attach catalogs without a remote round trip.
func (r *Runtime) AttachCatalog(provider *catalogs.RefreshableCatalogProvider) {
	r.mu.Lock()
	r.catalogs[provider.Name()] = provider
	r.mu.Unlock()
}

// Catalogs returns the attached catalog providers keyed by name.
func (r *Runtime) Catalogs() map[string]*catalogs.RefreshableCatalogProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*catalogs.RefreshableCatalogProvider, len(r.catalogs))
	for name, c := range r.catalogs {
		out[name] = c
	}
	return out
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}
