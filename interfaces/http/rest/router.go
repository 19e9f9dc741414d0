package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"helios-runtime/interfaces/http/rest/middleware"
	"helios-runtime/internal/runtime"
)

// NewRouter assembles the HTTP surface.
func NewRouter(rt *runtime.Runtime, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.Logging(log))
	r.Use(middleware.Metrics(rt.Metrics()))
	r.Use(middleware.RequestContext())

	sqlHandler := NewSQLHandler(rt.Engine(), log)
	datasets := NewDatasetsHandler(rt)
	iceberg := NewIcebergHandler(rt)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/ready", func(w http.ResponseWriter, _ *http.Request) {
		ready, initializing := rt.Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":        ready,
			"initializing": initializing,
		})
	})
	r.Handle("/metrics", rt.Metrics().Handler())

	r.Post("/v1/sql", sqlHandler.ServeHTTP)

	r.Get("/v1/datasets", datasets.List)
	r.Post("/v1/datasets/{name}/acceleration/refresh", datasets.Refresh)
	r.Patch("/v1/datasets/{name}/acceleration", datasets.PatchAcceleration)

	r.Get("/v1/iceberg/config", iceberg.Config)
	r.Get("/v1/iceberg/namespaces", iceberg.Namespaces)
	r.Get("/v1/iceberg/namespaces/{namespace}/tables", iceberg.Tables)
	r.Head("/v1/iceberg/namespaces/{namespace}/tables/{table}", iceberg.TableExists)

	return r
}
