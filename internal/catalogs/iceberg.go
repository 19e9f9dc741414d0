package catalogs

import (
	"context"
	"strings"

	"github.com/apache/iceberg-go/catalog"
	"github.com/apache/iceberg-go/catalog/rest"
	"github.com/apache/iceberg-go/table"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

// IcebergLister enumerates an Iceberg REST catalog and materializes its
// tables through an inner connector (the connector that knows how to read
// the table's storage, e.g. file or s3).
type IcebergLister struct {
	catalog catalog.Catalog
	// materialize delegates table I/O to the inner connector.
	materialize func(ctx context.Context, namespace, tbl string, icebergTable *table.Table) (connectors.TableProvider, error)
}

// NewIcebergLister connects to an Iceberg REST catalog.
func NewIcebergLister(ctx context.Context, name, uri string, props map[string]string,
	materialize func(ctx context.Context, namespace, tbl string, icebergTable *table.Table) (connectors.TableProvider, error),
) (*IcebergLister, error) {
	opts := []rest.Option{}
	if token, ok := props["token"]; ok && token != "" {
		opts = append(opts, rest.WithOAuthToken(token))
	}
	if warehouse, ok := props["warehouse"]; ok && warehouse != "" {
		opts = append(opts, rest.WithWarehouseLocation(warehouse))
	}
	cat, err := rest.NewCatalog(ctx, name, uri, opts...)
	if err != nil {
		return nil, rterrors.Unavailable("ICEBERG_CONNECT", "failed to connect to Iceberg REST catalog").
			WithCause(err).Build()
	}
	return &IcebergLister{catalog: cat, materialize: materialize}, nil
}

// ListNamespaces implements Lister. Multi-part namespaces flatten with dots.
func (l *IcebergLister) ListNamespaces(ctx context.Context) ([]string, error) {
	namespaces, err := l.catalog.ListNamespaces(ctx, nil)
	if err != nil {
		return nil, rterrors.Unavailable("ICEBERG_LIST", "failed to list namespaces").WithCause(err).Build()
	}
	out := make([]string, len(namespaces))
	for i, ns := range namespaces {
		out[i] = strings.Join(ns, ".")
	}
	return out, nil
}

// ListTables implements Lister.
func (l *IcebergLister) ListTables(ctx context.Context, namespace string) ([]string, error) {
	ident := table.Identifier(strings.Split(namespace, "."))
	var out []string
	for tbl, err := range l.catalog.ListTables(ctx, ident) {
		if err != nil {
			return nil, rterrors.Unavailable("ICEBERG_LIST", "failed to list tables").WithCause(err).Build()
		}
		out = append(out, tbl[len(tbl)-1])
	}
	return out, nil
}

// Materialize implements Lister.
func (l *IcebergLister) Materialize(ctx context.Context, namespace, tbl string) (connectors.TableProvider, error) {
	ident := append(table.Identifier(strings.Split(namespace, ".")), tbl)
	icebergTable, err := l.catalog.LoadTable(ctx, ident, nil)
	if err != nil {
		return nil, rterrors.NotFound("ICEBERG_LOAD", "failed to load table metadata").
			WithResource(namespace + "." + tbl).WithCause(err).Build()
	}
	return l.materialize(ctx, namespace, tbl, icebergTable)
}
