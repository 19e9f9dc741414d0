package rest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"helios-runtime/internal/runtime"
)

// IcebergHandler serves the Iceberg-REST-compatible catalog endpoints, so
// Iceberg-speaking clients can browse the runtime's attached catalogs.
type IcebergHandler struct {
	runtime *runtime.Runtime
}

// NewIcebergHandler creates the handler.
func NewIcebergHandler(rt *runtime.Runtime) *IcebergHandler {
	return &IcebergHandler{runtime: rt}
}

type icebergNamespace struct {
	Parts []string `json:"parts"`
}

type icebergIdentifier struct {
	Namespace icebergNamespace `json:"namespace"`
	Name      string           `json:"name"`
}

type icebergError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func writeIcebergError(w http.ResponseWriter, status int, errType, message string) {
	var body icebergError
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Code = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Config serves GET /v1/iceberg/config.
func (h *IcebergHandler) Config(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"defaults":  map[string]any{},
		"overrides": map[string]any{"prefix": "v1/iceberg"},
	})
}

// Namespaces serves GET /v1/iceberg/namespaces[?parent=]. Top-level
// namespaces are the attached catalog names; a catalog parent lists its
// schemas.
func (h *IcebergHandler) Namespaces(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	catalogs := h.runtime.Catalogs()

	namespaces := []icebergNamespace{}
	if parent == "" {
		for name := range catalogs {
			namespaces = append(namespaces, icebergNamespace{Parts: []string{name}})
		}
		sortNamespaces(namespaces)
	} else {
		parts := strings.Split(parent, ".")
		cat, ok := catalogs[parts[0]]
		if !ok {
			writeIcebergError(w, http.StatusNotFound, "NoSuchNamespaceException",
				"Namespace "+parent+" does not exist")
			return
		}
		if len(parts) > 1 {
			writeIcebergError(w, http.StatusBadRequest, "BadRequestException",
				"Nested namespaces below schemas are not supported")
			return
		}
		for _, schema := range cat.SchemaNames() {
			namespaces = append(namespaces, icebergNamespace{Parts: []string{parts[0], schema}})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"namespaces": namespaces})
}

// Tables serves GET /v1/iceberg/namespaces/{ns}/tables. A bare catalog
// namespace lists the tables of its `default` schema.
func (h *IcebergHandler) Tables(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	parts := strings.Split(ns, ".")

	cat, ok := h.runtime.Catalogs()[parts[0]]
	if !ok {
		writeIcebergError(w, http.StatusNotFound, "NoSuchNamespaceException",
			"Namespace "+ns+" does not exist")
		return
	}
	schemaName := "default"
	if len(parts) == 2 {
		schemaName = parts[1]
	} else if len(parts) > 2 {
		writeIcebergError(w, http.StatusBadRequest, "BadRequestException",
			"Namespace "+ns+" has too many parts")
		return
	}
	schema, ok := cat.Schema(schemaName)
	if !ok {
		writeIcebergError(w, http.StatusNotFound, "NoSuchNamespaceException",
			"Namespace "+ns+" does not exist")
		return
	}

	identifiers := []icebergIdentifier{}
	for _, table := range schema.TableNames() {
		identifiers = append(identifiers, icebergIdentifier{
			Namespace: icebergNamespace{Parts: parts},
			Name:      table,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"identifiers": identifiers})
}

// TableExists serves HEAD /v1/iceberg/namespaces/{namespace}/tables/{table}.
func (h *IcebergHandler) TableExists(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	table := chi.URLParam(r, "table")
	parts := strings.Split(ns, ".")

	cat, ok := h.runtime.Catalogs()[parts[0]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	schemaName := "default"
	if len(parts) == 2 {
		schemaName = parts[1]
	}
	schema, ok := cat.Schema(schemaName)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, ok := schema.Table(table); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sortNamespaces(ns []icebergNamespace) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].Parts[0] < ns[j].Parts[0] })
}
