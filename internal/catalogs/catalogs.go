// Package catalogs implements refreshable catalog providers: periodic
// enumeration of externally-defined schemas and tables, include-glob
// filtering, and bounded-concurrency materialization of table providers.
package catalogs

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

// materializeConcurrency bounds in-flight table materializations per refresh.
const materializeConcurrency = 5

// refreshTimeout bounds a single catalog refresh. A stalled listing logs a
// warning without marking the catalog errored.
const refreshTimeout = 30 * time.Second

// Lister enumerates the remote catalog and materializes table providers.
// Each catalog kind (Iceberg REST, cloud) provides one.
type Lister interface {
	// ListNamespaces returns the namespace names, one round trip.
	ListNamespaces(ctx context.Context) ([]string, error)
	// ListTables returns the table names of a namespace.
	ListTables(ctx context.Context, namespace string) ([]string, error)
	// Materialize builds a TableProvider for namespace.table by delegating
	// to the inner connector that handles the actual I/O.
	Materialize(ctx context.Context, namespace, table string) (connectors.TableProvider, error)
}

// RefreshableCatalogProvider keeps an external catalog's tables visible in
// the local namespace.
type RefreshableCatalogProvider struct {
	name        string
	lister      Lister
	includeGlob string
	log         *zap.Logger

	mu      sync.RWMutex
	schemas map[string]*SchemaProvider
}

// NewProvider creates a provider for one configured catalog.
func NewProvider(name string, lister Lister, includeGlob string, log *zap.Logger) *RefreshableCatalogProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshableCatalogProvider{
		name:        name,
		lister:      lister,
		includeGlob: includeGlob,
		log:         log.With(zap.String("catalog", name)),
		schemas:     make(map[string]*SchemaProvider),
	}
}

// Name returns the catalog's local name.
func (p *RefreshableCatalogProvider) Name() string { return p.name }

// SchemaNames returns the known schema names, sorted.
func (p *RefreshableCatalogProvider) SchemaNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.schemas))
	for name := range p.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the provider for one schema.
func (p *RefreshableCatalogProvider) Schema(name string) (*SchemaProvider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.schemas[name]
	return s, ok
}

// Refresh re-enumerates the remote catalog, materializing new tables and
// dropping removed ones. At most materializeConcurrency materializations run
// at once.
func (p *RefreshableCatalogProvider) Refresh(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	namespaces, err := p.lister.ListNamespaces(ctx)
	if err != nil {
		p.log.Warn("catalog namespace listing failed", zap.Error(err))
		return rterrors.DeadlineExceeded("CATALOG_LISTING", "catalog listing failed").WithCause(err).Build()
	}

	type tableKey struct{ namespace, table string }
	desired := make(map[tableKey]struct{})
	for _, ns := range namespaces {
		tables, err := p.lister.ListTables(ctx, ns)
		if err != nil {
			p.log.Warn("catalog table listing failed",
				zap.String("namespace", ns), zap.Error(err))
			continue
		}
		for _, table := range tables {
			if p.includeGlob != "" {
				if ok, _ := path.Match(p.includeGlob, table); !ok {
					continue
				}
			}
			desired[tableKey{ns, table}] = struct{}{}
		}
	}

	// Drop tables that disappeared from the remote catalog.
	p.mu.Lock()
	for name, schema := range p.schemas {
		schema.mu.Lock()
		for table := range schema.tables {
			if _, keep := desired[tableKey{name, table}]; !keep {
				delete(schema.tables, table)
				p.log.Info("catalog table removed",
					zap.String("schema", name), zap.String("table", table))
			}
		}
		empty := len(schema.tables) == 0
		schema.mu.Unlock()
		if empty {
			delete(p.schemas, name)
		}
	}
	p.mu.Unlock()

	// Materialize new tables with bounded concurrency.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeConcurrency)
	var mu sync.Mutex
	for key := range desired {
		key := key
		if p.has(key.namespace, key.table) {
			continue
		}
		g.Go(func() error {
			provider, err := p.lister.Materialize(gctx, key.namespace, key.table)
			if err != nil {
				p.log.Warn("table materialization failed",
					zap.String("schema", key.namespace),
					zap.String("table", key.table),
					zap.Error(err))
				return nil // one bad table does not fail the refresh
			}
			mu.Lock()
			p.install(key.namespace, key.table, provider)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (p *RefreshableCatalogProvider) has(namespace, table string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	schema, ok := p.schemas[namespace]
	if !ok {
		return false
	}
	_, ok = schema.tables[table]
	return ok
}

func (p *RefreshableCatalogProvider) install(namespace, table string, provider connectors.TableProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	schema, ok := p.schemas[namespace]
	if !ok {
		schema = &SchemaProvider{name: namespace, tables: make(map[string]connectors.TableProvider)}
		p.schemas[namespace] = schema
	}
	schema.mu.Lock()
	schema.tables[table] = provider
	schema.mu.Unlock()
}

// RunRefreshLoop refreshes the catalog on a fixed cadence until ctx is done.
func (p *RefreshableCatalogProvider) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	if err := p.Refresh(ctx); err != nil {
		p.log.Warn("initial catalog refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Warn("catalog refresh failed", zap.Error(err))
			}
		}
	}
}

// SchemaProvider exposes the tables of one catalog schema.
type SchemaProvider struct {
	name   string
	mu     sync.RWMutex
	tables map[string]connectors.TableProvider
}

// TableNames returns the schema's table names, sorted.
func (s *SchemaProvider) TableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the provider for one table.
func (s *SchemaProvider) Table(name string) (connectors.TableProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	return t, ok
}
