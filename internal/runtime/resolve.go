package runtime

import (
	"context"
	"fmt"
	"strings"

	icebergtable "github.com/apache/iceberg-go/table"

	"helios-runtime/internal/accel"
	"helios-runtime/internal/config"
	"helios-runtime/internal/connectors"
	"helios-runtime/internal/connectors/file"
	"helios-runtime/internal/connectors/flightconn"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
	"helios-runtime/internal/query"
	"helios-runtime/internal/tableref"
)

// ResolveTable implements query.TableResolver. Resolution order: the
// runtime-internal schema, configured datasets, then attached catalogs.
func (r *Runtime) ResolveTable(ctx context.Context, ref tableref.TableReference) (query.ResolvedTable, error) {
	if ref.InSchema(query.RuntimeSchema) {
		return query.ResolvedTable{Local: true, DatasetName: ref.String()}, nil
	}

	if state, ok := r.datasetFor(ref); ok {
		if state.accel != nil {
			if err := state.accel.CheckReady(); err != nil {
				return query.ResolvedTable{}, err
			}
			return query.ResolvedTable{
				Local:       true,
				Accelerated: true,
				DatasetName: state.cfg.Name,
			}, nil
		}
		return query.ResolvedTable{
			Provider:    state.provider,
			DatasetName: state.cfg.Name,
		}, nil
	}

	if provider, name, ok := r.catalogTableFor(ref); ok {
		return query.ResolvedTable{Provider: provider, DatasetName: name}, nil
	}

	return query.ResolvedTable{}, rterrors.NotFound("UNKNOWN_TABLE",
		fmt.Sprintf("table %s is not defined", ref.String())).Build()
}

func (r *Runtime) datasetFor(ref tableref.TableReference) (*datasetState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Dataset names are matched on the bare table part; qualified references
	// must agree with the default namespace.
	if ref.Catalog != "" && ref.Catalog != r.cfg.Defaults.Catalog {
		return nil, false
	}
	if ref.Schema != "" && ref.Schema != r.cfg.Defaults.Schema {
		return nil, false
	}
	state, ok := r.datasets[strings.ToLower(ref.Table)]
	if !ok {
		state, ok = r.datasets[ref.Table]
	}
	return state, ok
}

func (r *Runtime) catalogTableFor(ref tableref.TableReference) (connectors.TableProvider, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	catalogName := ref.Catalog
	schemaName := ref.Schema
	if catalogName == "" {
		// A 2-part reference may be catalog.table against the catalog's
		// default schema.
		catalogName = ref.Schema
		schemaName = "default"
	}
	cat, ok := r.catalogs[catalogName]
	if !ok {
		return nil, "", false
	}
	schema, ok := cat.Schema(schemaName)
	if !ok {
		return nil, "", false
	}
	provider, ok := schema.Table(ref.Table)
	if !ok {
		return nil, "", false
	}
	return provider, catalogName + "." + schemaName + "." + ref.Table, true
}

// ----------------------------------------------------------------------------
// dataset surface (HTTP API)
// ----------------------------------------------------------------------------

// DatasetInfo is the HTTP listing view of a dataset.
type DatasetInfo struct {
	Name            string `json:"name"`
	From            string `json:"from"`
	Accelerated     bool   `json:"accelerated"`
	Status          string `json:"status,omitempty"`
	RefreshMode     string `json:"refresh_mode,omitempty"`
	LastRefreshTime string `json:"last_refresh_time,omitempty"`
}

// ListDatasets returns the configured datasets, optionally filtered by
// source URI.
func (r *Runtime) ListDatasets(sourceFilter string) []DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DatasetInfo
	for _, state := range r.datasets {
		if sourceFilter != "" && state.cfg.From != sourceFilter {
			continue
		}
		info := DatasetInfo{
			Name:        state.cfg.Name,
			From:        state.cfg.From,
			Accelerated: state.accel != nil,
		}
		if state.accel != nil {
			info.Status = string(state.accel.Status())
			info.RefreshMode = state.cfg.Acceleration.RefreshMode
			if ts := state.accel.LastRefreshEnd(); ts != nil {
				info.LastRefreshTime = ts.UTC().Format("2006-01-02T15:04:05Z")
			}
		}
		out = append(out, info)
	}
	return out
}

// RefreshDataset triggers an acceleration refresh, optionally overriding the
// refresh SQL for this and subsequent refreshes.
func (r *Runtime) RefreshDataset(name, refreshSQL string) error {
	r.mu.RLock()
	state, ok := r.datasets[name]
	r.mu.RUnlock()
	if !ok {
		return rterrors.NotFound("UNKNOWN_DATASET",
			fmt.Sprintf("Dataset %s not found", name)).Build()
	}
	if state.accel == nil {
		return rterrors.FailedPrecondition("ACCELERATION_DISABLED",
			fmt.Sprintf("Dataset %s does not have acceleration enabled", name)).Build()
	}
	if refreshSQL != "" {
		state.accel.SetRefreshSQL(refreshSQL)
	}
	state.accel.TriggerRefresh()
	return nil
}

// UpdateRefreshSQL replaces a dataset's refresh SQL at runtime; the change
// is lost on restart.
func (r *Runtime) UpdateRefreshSQL(name, refreshSQL string) error {
	r.mu.RLock()
	state, ok := r.datasets[name]
	r.mu.RUnlock()
	if !ok {
		return rterrors.NotFound("UNKNOWN_DATASET",
			fmt.Sprintf("Dataset %s not found", name)).Build()
	}
	if state.accel == nil {
		return rterrors.FailedPrecondition("ACCELERATION_DISABLED",
			fmt.Sprintf("Dataset %s does not have acceleration enabled", name)).Build()
	}
	state.accel.SetRefreshSQL(refreshSQL)
	return nil
}

// WritableTable resolves the target of a write-surface session.
func (r *Runtime) WritableTable(ctx context.Context, ref tableref.TableReference) (connectors.WritableTableProvider, error) {
	r.mu.RLock()
	state, ok := r.datasets[ref.Table]
	r.mu.RUnlock()
	if !ok {
		return nil, rterrors.NotFound("UNKNOWN_DATASET",
			fmt.Sprintf("Dataset %s not found", ref.Table)).Build()
	}
	rw, ok := state.conn.(connectors.ReadWriteConnector)
	if !ok {
		return nil, rterrors.FailedPrecondition("TABLE_NOT_WRITABLE",
			fmt.Sprintf("dataset %s is not writable", ref.Table)).Build()
	}
	return rw.ReadWriteProvider(ctx, state.dataset)
}

// Ready reports overall runtime readiness: every enabled acceleration has
// finished its initial load.
func (r *Runtime) Ready() (bool, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var initializing []string
	for name, state := range r.datasets {
		if state.accel != nil && state.accel.Status() == accel.StatusInitializing {
			initializing = append(initializing, name)
		}
	}
	return len(initializing) == 0, initializing
}

// ----------------------------------------------------------------------------
// catalog table materialization
// ----------------------------------------------------------------------------

// materializeIcebergTable reads an Iceberg table's data files through the
// file connector; the REST catalog supplies the storage location.
func (r *Runtime) materializeIcebergTable(ctx context.Context, namespace, tbl string, icebergTable *icebergtable.Table) (connectors.TableProvider, error) {
	location := strings.TrimPrefix(icebergTable.Location(), "file://")
	conn := &file.Connector{}
	return conn.ReadProvider(ctx, connectors.Dataset{
		Name: namespace + "." + tbl,
		From: file.Prefix + ":" + location + "/data",
	})
}

// materializeCloudTable reads a cloud-catalog table through the flight
// connector against the control plane's data endpoint.
func (r *Runtime) materializeCloudTable(cat config.Catalog) func(ctx context.Context, namespace, table string) (connectors.TableProvider, error) {
	return func(ctx context.Context, namespace, table string) (connectors.TableProvider, error) {
		factory := flightconn.Factory{}
		supplied := map[string]params.Secret{
			"flight_endpoint": params.NewSecret(cat.Params["data_endpoint"]),
			"flight_api_key":  params.NewSecret(cat.Params["api_key"]),
		}
		resolved, err := params.Resolve(factory.Prefix(), factory.ParameterSpecs(), supplied, nil, r.log)
		if err != nil {
			return nil, err
		}
		conn, err := factory.Create(ctx, resolved)
		if err != nil {
			return nil, err
		}
		return conn.ReadProvider(ctx, connectors.Dataset{
			Name: namespace + "." + table,
			From: "flight:" + namespace + "." + table,
		})
	}
}
