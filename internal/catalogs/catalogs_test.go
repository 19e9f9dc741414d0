package catalogs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios-runtime/internal/connectors"
)

// fakeLister serves a mutable set of namespace -> tables.
type fakeLister struct {
	mu     sync.Mutex
	tables map[string][]string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	listErr     error
}

func (f *fakeLister) ListNamespaces(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for ns := range f.tables {
		out = append(out, ns)
	}
	return out, nil
}

func (f *fakeLister) ListTables(_ context.Context, ns string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[ns], nil
}

func (f *fakeLister) Materialize(context.Context, string, string) (connectors.TableProvider, error) {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)
	return &stubProvider{}, nil
}

type stubProvider struct{}

func (*stubProvider) Schema(context.Context) (*arrow.Schema, error) { return nil, nil }
func (*stubProvider) Scan(context.Context, connectors.ScanRequest) (connectors.BatchStream, error) {
	return nil, nil
}
func (*stubProvider) PushdownSupport(f []connectors.Filter) []connectors.PushdownKind {
	return make([]connectors.PushdownKind, len(f))
}

func TestRefresh_MaterializesAndLists(t *testing.T) {
	// Arrange
	lister := &fakeLister{tables: map[string][]string{
		"default": {"orders", "lineitem"},
		"finance": {"ledger"},
	}}
	provider := NewProvider("acme", lister, "", zap.NewNop())

	// Act
	require.NoError(t, provider.Refresh(context.Background()))

	// Assert
	assert.Equal(t, []string{"default", "finance"}, provider.SchemaNames())
	schema, ok := provider.Schema("default")
	require.True(t, ok)
	assert.Equal(t, []string{"lineitem", "orders"}, schema.TableNames())
	_, ok = schema.Table("orders")
	assert.True(t, ok)
}

func TestRefresh_IncludeGlobFiltersTables(t *testing.T) {
	lister := &fakeLister{tables: map[string][]string{
		"default": {"orders", "orders_archive", "lineitem"},
	}}
	provider := NewProvider("acme", lister, "orders*", zap.NewNop())

	require.NoError(t, provider.Refresh(context.Background()))

	schema, ok := provider.Schema("default")
	require.True(t, ok)
	assert.Equal(t, []string{"orders", "orders_archive"}, schema.TableNames())
}

func TestRefresh_DropsRemovedTables(t *testing.T) {
	// Arrange
	lister := &fakeLister{tables: map[string][]string{"default": {"orders", "lineitem"}}}
	provider := NewProvider("acme", lister, "", zap.NewNop())
	require.NoError(t, provider.Refresh(context.Background()))

	// Act: the remote catalog loses a table.
	lister.mu.Lock()
	lister.tables["default"] = []string{"orders"}
	lister.mu.Unlock()
	require.NoError(t, provider.Refresh(context.Background()))

	// Assert
	schema, ok := provider.Schema("default")
	require.True(t, ok)
	assert.Equal(t, []string{"orders"}, schema.TableNames())
}

func TestRefresh_BoundsMaterializationConcurrency(t *testing.T) {
	// Arrange: many tables to force the limiter into play.
	tables := make([]string, 64)
	for i := range tables {
		tables[i] = "t" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	lister := &fakeLister{tables: map[string][]string{"default": tables}}
	provider := NewProvider("acme", lister, "", zap.NewNop())

	// Act
	require.NoError(t, provider.Refresh(context.Background()))

	// Assert
	assert.LessOrEqual(t, lister.maxInFlight.Load(), int32(materializeConcurrency))
}

func TestRefresh_ListingFailureReturnsError(t *testing.T) {
	lister := &fakeLister{listErr: errors.New("remote stalled")}
	provider := NewProvider("acme", lister, "", zap.NewNop())

	err := provider.Refresh(context.Background())

	// The provider reports the failure but keeps serving its last snapshot.
	require.Error(t, err)
	assert.Empty(t, provider.SchemaNames())
}
