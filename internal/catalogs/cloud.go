package catalogs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

// CloudLister enumerates a hosted control-plane catalog over HTTPS JSON.
// The remote endpoints are `GET /v1/catalogs/{id}/schemas` and
// `GET /v1/catalogs/{id}/schemas/{schema}/tables`; tables read back through
// the flight connector against the control plane's data endpoint.
type CloudLister struct {
	baseURL   string
	catalogID string
	apiKey    string
	client    *http.Client

	materialize func(ctx context.Context, namespace, table string) (connectors.TableProvider, error)
}

// NewCloudLister creates a cloud catalog lister.
func NewCloudLister(baseURL, catalogID, apiKey string,
	materialize func(ctx context.Context, namespace, table string) (connectors.TableProvider, error),
) *CloudLister {
	return &CloudLister{
		baseURL:     baseURL,
		catalogID:   catalogID,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 15 * time.Second},
		materialize: materialize,
	}
}

func (l *CloudLister) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return rterrors.Internal("CLOUD_REQUEST", "failed to build catalog request").WithCause(err).Build()
	}
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return rterrors.Unavailable("CLOUD_LIST", "catalog request failed").WithCause(err).Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rterrors.Unavailable("CLOUD_LIST",
			fmt.Sprintf("catalog request returned status %d", resp.StatusCode)).Build()
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rterrors.Internal("CLOUD_DECODE", "failed to decode catalog response").WithCause(err).Build()
	}
	return nil
}

// ListNamespaces implements Lister.
func (l *CloudLister) ListNamespaces(ctx context.Context) ([]string, error) {
	var body struct {
		Schemas []struct {
			Name string `json:"name"`
		} `json:"schemas"`
	}
	if err := l.get(ctx, fmt.Sprintf("/v1/catalogs/%s/schemas", l.catalogID), &body); err != nil {
		return nil, err
	}
	out := make([]string, len(body.Schemas))
	for i, s := range body.Schemas {
		out[i] = s.Name
	}
	return out, nil
}

// ListTables implements Lister.
func (l *CloudLister) ListTables(ctx context.Context, namespace string) ([]string, error) {
	var body struct {
		Tables []struct {
			Name string `json:"name"`
		} `json:"tables"`
	}
	if err := l.get(ctx, fmt.Sprintf("/v1/catalogs/%s/schemas/%s/tables", l.catalogID, namespace), &body); err != nil {
		return nil, err
	}
	out := make([]string, len(body.Tables))
	for i, t := range body.Tables {
		out[i] = t.Name
	}
	return out, nil
}

// Materialize implements Lister.
func (l *CloudLister) Materialize(ctx context.Context, namespace, table string) (connectors.TableProvider, error) {
	return l.materialize(ctx, namespace, table)
}
