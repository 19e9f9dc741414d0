package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios-runtime/internal/catalogs"
	"helios-runtime/internal/config"
	"helios-runtime/internal/connectors"
	"helios-runtime/internal/runtime"
)

// fakeLister serves a fixed namespace/table layout for catalog tests.
type fakeLister struct {
	tables map[string][]string
}

func (f *fakeLister) ListNamespaces(context.Context) ([]string, error) {
	var out []string
	for ns := range f.tables {
		out = append(out, ns)
	}
	return out, nil
}

func (f *fakeLister) ListTables(_ context.Context, ns string) ([]string, error) {
	return f.tables[ns], nil
}

func (f *fakeLister) Materialize(context.Context, string, string) (connectors.TableProvider, error) {
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

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.TaskHistory.Enabled = false
	rt, err := runtime.New(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	rt.MemoryTables().CreateTable("events", schema)
	require.NoError(t, rt.Start(context.Background()))
	return rt
}

func attachCatalogs(t *testing.T, rt *runtime.Runtime) {
	t.Helper()
	for _, name := range []string{"catalog_a", "catalog_b"} {
		tables := map[string][]string{"default": {"orders", "lineitem"}}
		provider := catalogs.NewProvider(name, &fakeLister{tables: tables}, "", zap.NewNop())
		require.NoError(t, provider.Refresh(context.Background()))
		rt.AttachCatalog(provider)
	}
}

func TestRefreshEndpoint_UnknownDatasetIs404(t *testing.T) {
	rt := newTestRuntime(t)
	router := NewRouter(rt, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets/ghost/acceleration/refresh", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Dataset ghost not found", body["message"])
}

func TestRefreshEndpoint_NonAcceleratedDatasetIs400(t *testing.T) {
	// Arrange: a dataset without acceleration.
	cfg := config.Default()
	cfg.TaskHistory.Enabled = false
	cfg.Datasets = []config.Dataset{{Name: "general", From: "memory:general"}}
	rt, err := runtime.New(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	rt.MemoryTables().CreateTable("general", schema)
	require.NoError(t, rt.Start(context.Background()))
	router := NewRouter(rt, zap.NewNop())

	// Act
	req := httptest.NewRequest(http.MethodPost, "/v1/datasets/general/acceleration/refresh", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Assert: exact message contract.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Dataset general does not have acceleration enabled", body["message"])
}

func TestIcebergNamespaces_ListsCatalogs(t *testing.T) {
	rt := newTestRuntime(t)
	attachCatalogs(t, rt)
	router := NewRouter(rt, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/iceberg/namespaces", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"namespaces":[{"parts":["catalog_a"]},{"parts":["catalog_b"]}]}`,
		rec.Body.String())
}

func TestIcebergTables_BareCatalogUsesDefaultSchema(t *testing.T) {
	rt := newTestRuntime(t)
	attachCatalogs(t, rt)
	router := NewRouter(rt, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/iceberg/namespaces/catalog_a/tables", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Identifiers []struct {
			Namespace struct {
				Parts []string `json:"parts"`
			} `json:"namespace"`
			Name string `json:"name"`
		} `json:"identifiers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Identifiers, 2)
	assert.Equal(t, []string{"catalog_a"}, body.Identifiers[0].Namespace.Parts)
	names := []string{body.Identifiers[0].Name, body.Identifiers[1].Name}
	assert.ElementsMatch(t, []string{"orders", "lineitem"}, names)
}

func TestIcebergNamespaces_UnknownParentIsNoSuchNamespace(t *testing.T) {
	rt := newTestRuntime(t)
	router := NewRouter(rt, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/iceberg/namespaces?parent=ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NoSuchNamespaceException")
}

func TestSQLEndpoint_EmptyBodyIs400(t *testing.T) {
	rt := newTestRuntime(t)
	router := NewRouter(rt, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/sql", strings.NewReader(""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["message"])
}

func TestDatasetsListing_FiltersBySource(t *testing.T) {
	cfg := config.Default()
	cfg.TaskHistory.Enabled = false
	cfg.Datasets = []config.Dataset{
		{Name: "a", From: "memory:a"},
		{Name: "b", From: "memory:b"},
	}
	rt, err := runtime.New(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	rt.MemoryTables().CreateTable("a", schema)
	rt.MemoryTables().CreateTable("b", schema)
	require.NoError(t, rt.Start(context.Background()))
	router := NewRouter(rt, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/datasets?source=memory:b", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var infos []runtime.DatasetInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].Name)
}
