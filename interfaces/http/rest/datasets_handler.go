package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/runtime"
)

// DatasetsHandler serves the dataset listing and acceleration management
// endpoints.
type DatasetsHandler struct {
	runtime *runtime.Runtime
}

// NewDatasetsHandler creates the handler.
func NewDatasetsHandler(rt *runtime.Runtime) *DatasetsHandler {
	return &DatasetsHandler{runtime: rt}
}

// List serves GET /v1/datasets with an optional `source` filter.
func (h *DatasetsHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.runtime.ListDatasets(r.URL.Query().Get("source"))
	if infos == nil {
		infos = []runtime.DatasetInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}

type refreshRequest struct {
	RefreshSQL string `json:"refresh_sql"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Refresh serves POST /v1/datasets/{name}/acceleration/refresh.
func (h *DatasetsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.runtime.RefreshDataset(name, req.RefreshSQL); err != nil {
		writeDatasetError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Dataset refresh triggered for "+name+".")
}

// PatchAcceleration serves PATCH /v1/datasets/{name}/acceleration.
func (h *DatasetsHandler) PatchAcceleration(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshSQL == "" {
		writeMessage(w, http.StatusBadRequest, "request body must carry refresh_sql")
		return
	}
	if err := h.runtime.UpdateRefreshSQL(name, req.RefreshSQL); err != nil {
		writeDatasetError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Dataset refresh SQL updated for "+name+".")
}

// writeDatasetError keeps the exact message contract of the dataset API:
// 404 for unknown datasets, 400 when acceleration is disabled.
func writeDatasetError(w http.ResponseWriter, err error) {
	var re *rterrors.RuntimeError
	if errors.As(err, &re) {
		writeMessage(w, re.HTTPStatus(), re.Message)
		return
	}
	writeMessage(w, http.StatusInternalServerError,
		"Unexpected internal error occurred while processing refresh")
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(messageResponse{Message: message})
}
