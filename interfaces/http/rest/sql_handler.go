// Package rest implements the HTTP surface: the SQL endpoint, dataset
// management, Iceberg-compatible catalog endpoints and health.
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"

	"helios-runtime/internal/cache"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/query"
)

// errorBody is the non-2xx response shape shared with the OpenAI-style
// endpoints.
type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Message: err.Error(), Type: "internal_error"}
	var re *rterrors.RuntimeError
	if errors.As(err, &re) {
		status = re.HTTPStatus()
		body.Message = re.Message
		if re.Details != "" {
			body.Message = re.Message + ": " + re.Details
		}
		body.Type = strings.ToLower(string(re.Kind))
		body.Code = re.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// SQLHandler serves POST /v1/sql.
type SQLHandler struct {
	engine *query.Engine
	log    *zap.Logger
}

// NewSQLHandler creates the handler.
func NewSQLHandler(engine *query.Engine, log *zap.Logger) *SQLHandler {
	return &SQLHandler{engine: engine, log: log}
}

// ServeHTTP executes the raw SQL body and streams the result: JSON records
// by default, an Arrow IPC stream when the Accept header asks for one.
func (h *SQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, rterrors.InvalidArgument("BODY_READ", "failed to read request body").Build())
		return
	}
	sql := strings.TrimSpace(string(body))
	if sql == "" {
		writeError(w, rterrors.InvalidArgument("EMPTY_QUERY", "request body must contain SQL").Build())
		return
	}

	result, err := h.engine.Run(r.Context(), sql)
	if err != nil {
		writeError(w, err)
		return
	}
	defer result.Stream.Close()

	w.Header().Set("X-Cache", cacheHeader(result.CacheStatus))
	if acceptsArrow(r.Header.Get("Accept")) {
		h.streamArrow(w, r, result)
		return
	}
	h.streamJSON(w, r, result)
}

func cacheHeader(s cache.Status) string {
	switch s {
	case cache.StatusHit:
		return "Hit"
	case cache.StatusMiss:
		return "Miss"
	default:
		return "Bypass"
	}
}

func acceptsArrow(accept string) bool {
	return strings.Contains(accept, "application/vnd.apache.arrow") ||
		strings.Contains(accept, "application/arrow")
}

// streamJSON writes the result as one JSON array of row objects, flushing
// batch by batch.
func (h *SQLHandler) streamJSON(w http.ResponseWriter, r *http.Request, result *query.Result) {
	w.Header().Set("Content-Type", "application/json")
	flusher, _ := w.(http.Flusher)

	if _, err := io.WriteString(w, "["); err != nil {
		return
	}
	first := true
	for {
		rec, err := result.Stream.Next(r.Context())
		if err == io.EOF {
			break
		}
		if err != nil {
			// The 2xx status is already on the wire; surface the failure as
			// a trailing error frame.
			h.log.Warn("query stream failed mid-response", zap.Error(err))
			frame := `{"__error":` + jsonString(err.Error()) + `}`
			if !first {
				frame = "," + frame
			}
			_, _ = io.WriteString(w, frame)
			break
		}
		if writeErr := writeRecordJSON(w, rec, &first); writeErr != nil {
			rec.Release()
			return
		}
		rec.Release()
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = io.WriteString(w, "]")
}

func writeRecordJSON(w io.Writer, rec arrow.Record, first *bool) error {
	for row := 0; row < int(rec.NumRows()); row++ {
		if !*first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		*first = false
		obj := make(map[string]any, rec.NumCols())
		for col := 0; col < int(rec.NumCols()); col++ {
			name := rec.Schema().Field(col).Name
			if rec.Column(col).IsNull(row) {
				obj[name] = nil
				continue
			}
			obj[name] = rec.Column(col).GetOneForMarshal(row)
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// streamArrow writes the result as an Arrow IPC stream.
func (h *SQLHandler) streamArrow(w http.ResponseWriter, r *http.Request, result *query.Result) {
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(result.Schema))
	defer writer.Close()
	for {
		rec, err := result.Stream.Next(r.Context())
		if err == io.EOF {
			return
		}
		if err != nil {
			h.log.Warn("query stream failed mid-response", zap.Error(err))
			return
		}
		writeErr := writer.Write(rec)
		rec.Release()
		if writeErr != nil {
			return
		}
	}
}
