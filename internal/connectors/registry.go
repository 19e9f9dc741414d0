package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

// Factory constructs a DataConnector for one backend kind.
type Factory interface {
	// Prefix is the unique source-URI prefix, e.g. "postgres" or "s3".
	Prefix() string
	// ParameterSpecs declares the parameters this connector accepts.
	ParameterSpecs() []params.Spec
	// Create builds a connector from resolved parameters.
	Create(ctx context.Context, p *params.Parameters) (DataConnector, error)
}

// Registry maps connector prefixes to factories. It is initialized at process
// start and frozen before the first dataset loads.
type Registry struct {
	mu        sync.RWMutex
	frozen    bool
	factories map[string]Factory
	secrets   params.SecretStore
	log       *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(secrets params.SecretStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		secrets:   secrets,
		log:       log,
	}
}

// Register adds a factory. Registration after Freeze or with a duplicate
// prefix is a programming error.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("connector registry is frozen; cannot register %q", f.Prefix()))
	}
	if _, exists := r.factories[f.Prefix()]; exists {
		panic(fmt.Sprintf("duplicate connector prefix %q", f.Prefix()))
	}
	r.factories[f.Prefix()] = f
}

// Freeze seals the registry against further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Prefixes returns the registered prefixes sorted for stable logging.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Connect resolves parameters for a dataset and constructs its connector.
func (r *Registry) Connect(ctx context.Context, dataset Dataset, supplied map[string]params.Secret) (DataConnector, error) {
	r.mu.RLock()
	factory, ok := r.factories[dataset.Prefix()]
	r.mu.RUnlock()
	if !ok {
		return nil, rterrors.NotFound("UNKNOWN_CONNECTOR",
			fmt.Sprintf("no connector registered for prefix %q", dataset.Prefix())).
			WithResource(dataset.Name).Build()
	}

	resolved, err := params.Resolve(factory.Prefix(), factory.ParameterSpecs(), supplied, r.secrets, r.log)
	if err != nil {
		return nil, err
	}

	conn, err := factory.Create(ctx, resolved)
	if err != nil {
		return nil, rterrors.Wrap(err, "connector.create",
			fmt.Sprintf("failed to construct %q connector for dataset %q", factory.Prefix(), dataset.Name))
	}
	r.log.Info("connector constructed",
		zap.String("connector", factory.Prefix()),
		zap.String("dataset", dataset.Name))
	return conn, nil
}
