// Package query implements the query engine: SQL analysis, the restricted
// policy, cache participation, federated staging, streaming execution and
// per-query telemetry.
package query

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"helios-runtime/internal/arrowutil"
	"helios-runtime/internal/auth"
	"helios-runtime/internal/cache"
	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/observability"
	"helios-runtime/internal/sqlfront"
	"helios-runtime/internal/store"
	"helios-runtime/internal/tableref"
)

// RuntimeSchema is the runtime-internal schema; queries touching it are
// flagged as runtime queries in telemetry.
const RuntimeSchema = "helios"

// ResolvedTable describes how a referenced table is served.
type ResolvedTable struct {
	// Local is true when the table is already queryable in the local store
	// (accelerated mirror or runtime-internal table).
	Local bool
	// Provider federates to the source when the table is not local.
	Provider connectors.TableProvider
	// Accelerated marks tables served from an acceleration mirror.
	Accelerated bool
	// DatasetName is the owning dataset for telemetry.
	DatasetName string
}

// TableResolver resolves table references against the runtime's dataset and
// catalog registries. Readiness gating happens here: a reference to a
// not-yet-ready acceleration resolves to an error.
type TableResolver interface {
	ResolveTable(ctx context.Context, ref tableref.TableReference) (ResolvedTable, error)
}

// Engine turns SQL strings into streamed record batches.
type Engine struct {
	analyzer *sqlfront.Analyzer
	policy   sqlfront.Policy
	store    *store.Store
	cache    *cache.ResultsCache
	resolver TableResolver
	metrics  *observability.Collector
	history  HistorySink
	tracing  *observability.TracerProvider
	log      *zap.Logger
}

// New constructs the engine.
func New(
	analyzer *sqlfront.Analyzer,
	st *store.Store,
	resultsCache *cache.ResultsCache,
	resolver TableResolver,
	metrics *observability.Collector,
	history HistorySink,
	tracing *observability.TracerProvider,
	log *zap.Logger,
) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		analyzer: analyzer,
		policy:   sqlfront.RestrictedPolicy(),
		store:    st,
		cache:    resultsCache,
		resolver: resolver,
		metrics:  metrics,
		history:  history,
		tracing:  tracing,
		log:      log,
	}
}

// Result is a running query: its output stream, schema and cache status.
type Result struct {
	Stream      connectors.BatchStream
	Schema      *arrow.Schema
	CacheStatus cache.Status
	QueryID     string
}

// Run executes sql and returns its streaming result. The query span covers
// planning through the end of the output stream.
func (e *Engine) Run(ctx context.Context, sql string) (*Result, error) {
	rc := auth.FromContext(ctx)
	tracker := newTracker(sql, rc.Protocol, e.metrics, e.history, e.log)
	ctx, span := e.tracing.StartSpan(ctx, "sql_query")
	fail := func(err error) error {
		span.RecordError(err)
		span.End()
		tracker.finishWithError(ctx, err)
		return err
	}

	analysis, err := e.analyzer.Analyze(sql)
	if err != nil {
		return nil, fail(err)
	}
	if err := analysis.VerifyPolicy(e.policy); err != nil {
		return nil, fail(err)
	}

	cacheStatus := e.cacheStatusFor(rc)
	tracker.setCacheStatus(cacheStatus)

	// Cache lookup short-circuits everything else.
	if cacheStatus == cache.StatusMiss {
		if entry, ok := e.cache.Get(analysis.Fingerprint); ok {
			e.metrics.ResultsCacheHits.Inc()
			tracker.setCacheStatus(cache.StatusHit)
			tracker.setDatasets(entry.InputTables.Slice())
			stream := connectors.NewSliceStream(entry.Schema, entry.Records)
			for _, r := range entry.Records {
				r.Release() // Get retained for us; SliceStream holds its own
			}
			return &Result{
				Stream:      e.attachTracker(ctx, tracker, span, stream),
				Schema:      entry.Schema,
				CacheStatus: cache.StatusHit,
				QueryID:     tracker.ID(),
			}, nil
		}
		e.metrics.ResultsCacheMisses.Inc()
	}

	inputTables, err := e.prepareTables(ctx, analysis, tracker)
	if err != nil {
		return nil, fail(err)
	}
	tracker.setDatasets(analysis.Tables)

	// Derive the plan's output schema, then execute.
	planSchema, err := e.store.Describe(ctx, sql)
	if err != nil {
		return nil, fail(err)
	}
	tracker.markExecutionStart()
	stream, err := e.store.QueryStream(ctx, sql)
	if err != nil {
		return nil, fail(err)
	}

	// A mismatch between the plan schema and the execution stream is an
	// internal bug, not a user error.
	if err := arrowutil.VerifySchema(planSchema, stream.Schema()); err != nil {
		stream.Close()
		return nil, fail(err)
	}

	out := stream
	if cacheStatus == cache.StatusMiss && analysis.Kind == sqlfront.KindQuery {
		out = e.cache.WrapStream(stream, analysis.Fingerprint, inputTables)
	}

	return &Result{
		Stream:      e.attachTracker(ctx, tracker, span, out),
		Schema:      planSchema,
		CacheStatus: cacheStatus,
		QueryID:     tracker.ID(),
	}, nil
}

// GetSchema plans sql and returns only its output schema, so clients can
// allocate decoders before issuing the body.
func (e *Engine) GetSchema(ctx context.Context, sql string) (*arrow.Schema, error) {
	analysis, err := e.analyzer.Analyze(sql)
	if err != nil {
		return nil, err
	}
	if err := analysis.VerifyPolicy(e.policy); err != nil {
		return nil, err
	}
	tracker := newTracker(sql, auth.FromContext(ctx).Protocol, nil, nil, e.log)
	if _, err := e.prepareTables(ctx, analysis, tracker); err != nil {
		return nil, err
	}
	return e.store.Describe(ctx, sql)
}

// InvalidateTable drops cached results that depend on ref. The acceleration
// layer calls this after every successful refresh.
func (e *Engine) InvalidateTable(ref tableref.TableReference) {
	e.cache.InvalidateForTable(ref)
}

func (e *Engine) cacheStatusFor(rc *auth.RequestContext) cache.Status {
	if !e.cache.Enabled() {
		return cache.StatusDisabled
	}
	if rc.CacheControl == auth.CacheControlNoCache {
		return cache.StatusBypass
	}
	return cache.StatusMiss
}

// prepareTables gates readiness and stages federated tables into the local
// store so the embedded engine can join across sources.
func (e *Engine) prepareTables(ctx context.Context, analysis *sqlfront.Analysis, tracker *Tracker) (tableref.Set, error) {
	inputTables := tableref.NewSet()
	singleTable := len(analysis.Tables) == 1

	for _, ref := range analysis.Tables {
		inputTables.Add(ref)
		if ref.InSchema(RuntimeSchema) {
			tracker.setRuntimeQuery(true)
		}

		resolved, err := e.resolver.ResolveTable(ctx, ref)
		if err != nil {
			return nil, err
		}
		if resolved.Accelerated {
			tracker.setAccelerated(true)
		}
		if resolved.Local {
			continue
		}
		if resolved.Provider == nil {
			return nil, rterrors.NotFound("UNKNOWN_TABLE",
				"table "+ref.String()+" is not servable").Build()
		}
		if err := e.stageFederated(ctx, analysis, ref, resolved, singleTable); err != nil {
			return nil, err
		}
	}
	return inputTables, nil
}

// stageFederated scans a remote source with pushed-down filters, projection
// and limit and installs the rows under the referenced name in the local
// store for the duration of the query.
func (e *Engine) stageFederated(ctx context.Context, analysis *sqlfront.Analysis,
	ref tableref.TableReference, resolved ResolvedTable, singleTable bool) error {

	req := connectors.ScanRequest{
		Filters: sqlfront.TableFilters(analysis.Statement, ref),
	}
	if singleTable {
		req.Limit = sqlfront.QueryLimit(analysis.Statement)
	}

	if e.metrics != nil {
		e.metrics.DatasetReadCount.WithLabelValues(resolved.DatasetName).Inc()
	}
	stream, err := resolved.Provider.Scan(ctx, req)
	if err != nil {
		return err
	}
	_, err = e.store.ReplaceFromStream(ctx, ref.Table, stream)
	return err
}

// ----------------------------------------------------------------------------
// tracker stream
// ----------------------------------------------------------------------------

// trackedStream finalizes the tracker and ends the query span exactly once
// at stream end.
type trackedStream struct {
	inner   connectors.BatchStream
	tracker *Tracker
	span    trace.Span
	ctx     context.Context
}

func (e *Engine) attachTracker(ctx context.Context, tracker *Tracker, span trace.Span, inner connectors.BatchStream) connectors.BatchStream {
	return &trackedStream{inner: inner, tracker: tracker, span: span, ctx: ctx}
}

// Schema implements BatchStream.
func (s *trackedStream) Schema() *arrow.Schema { return s.inner.Schema() }

// Next implements BatchStream.
func (s *trackedStream) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := s.inner.Next(ctx)
	if err == io.EOF {
		s.tracker.finish(s.ctx)
		s.span.End()
		return nil, io.EOF
	}
	if err != nil {
		s.tracker.finishWithError(s.ctx, err)
		s.span.RecordError(err)
		s.span.End()
		return nil, err
	}
	s.tracker.observeBatch(rec)
	return rec, nil
}

// Close implements BatchStream. An abandoned stream counts as finished with
// whatever was observed.
func (s *trackedStream) Close() {
	s.tracker.finish(s.ctx)
	s.span.End()
	s.inner.Close()
}
