// Package flightconn implements the connector for remote Arrow Flight
// endpoints: DoGet passthrough with SQL tickets, so a remote runtime (or any
// Flight SQL-ish server) can serve as a federated source.
package flightconn

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

// Prefix is the connector prefix.
const Prefix = "flight"

// Factory creates Flight connectors.
type Factory struct{}

// Prefix implements connectors.Factory.
func (Factory) Prefix() string { return Prefix }

// ParameterSpecs implements connectors.Factory.
func (Factory) ParameterSpecs() []params.Spec {
	return []params.Spec{
		{Name: "endpoint", Scope: params.ScopeComponent, Required: true},
		{Name: "api_key", Scope: params.ScopeComponent, Secret: true},
	}
}

// Create implements connectors.Factory.
func (Factory) Create(_ context.Context, p *params.Parameters) (connectors.DataConnector, error) {
	client, err := flight.NewClientWithMiddleware(
		p.Get("endpoint").Expose(), nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, rterrors.Unavailable("FLIGHT_CONNECT", "failed to dial flight endpoint").
			WithCause(err).Build()
	}
	return &Connector{client: client, apiKey: p.Get("api_key").Expose()}, nil
}

// Connector holds a Flight client.
type Connector struct {
	client flight.Client
	apiKey string
}

// ReadProvider implements connectors.DataConnector.
func (c *Connector) ReadProvider(_ context.Context, dataset connectors.Dataset) (connectors.TableProvider, error) {
	return &Provider{client: c.client, apiKey: c.apiKey, table: dataset.Locator()}, nil
}

// Provider serves scans by shipping SQL tickets to the remote endpoint.
type Provider struct {
	client flight.Client
	apiKey string
	table  string
}

func (p *Provider) authCtx(ctx context.Context) context.Context {
	if p.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+p.apiKey)
}

// Schema implements connectors.TableProvider.
func (p *Provider) Schema(ctx context.Context) (*arrow.Schema, error) {
	stream, err := p.doGet(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", p.table))
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return stream.Schema(), nil
}

// PushdownSupport implements connectors.TableProvider: the remote engine
// evaluates the shipped WHERE clause exactly.
func (p *Provider) PushdownSupport(filters []connectors.Filter) []connectors.PushdownKind {
	kinds := make([]connectors.PushdownKind, len(filters))
	for i := range kinds {
		kinds[i] = connectors.PushdownExact
	}
	return kinds
}

// Scan implements connectors.TableProvider.
func (p *Provider) Scan(ctx context.Context, req connectors.ScanRequest) (connectors.BatchStream, error) {
	sql := fmt.Sprintf("SELECT * FROM %s", p.table)
	if len(req.Filters) > 0 {
		sql += " WHERE "
		for i, f := range req.Filters {
			if i > 0 {
				sql += " AND "
			}
			sql += f.String()
		}
	}
	if req.Limit != nil {
		sql += fmt.Sprintf(" LIMIT %d", *req.Limit)
	}
	return p.doGet(ctx, sql)
}

// ScanSQL implements connectors.SQLScanner.
func (p *Provider) ScanSQL(ctx context.Context, sql string) (connectors.BatchStream, error) {
	return p.doGet(ctx, sql)
}

func (p *Provider) doGet(ctx context.Context, sql string) (connectors.BatchStream, error) {
	stream, err := p.client.DoGet(p.authCtx(ctx), &flight.Ticket{Ticket: []byte(sql)})
	if err != nil {
		return nil, rterrors.Unavailable("FLIGHT_DO_GET", "remote scan failed").WithCause(err).Build()
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, rterrors.Unavailable("FLIGHT_DO_GET", "failed to read remote stream").WithCause(err).Build()
	}
	out, writer := connectors.NewChannelStream(reader.Schema())
	go func() {
		defer reader.Release()
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			if err := writer.Send(ctx, rec); err != nil {
				writer.CloseSend(err)
				return
			}
		}
		err := reader.Err()
		if err == io.EOF {
			err = nil
		}
		writer.CloseSend(err)
	}()
	return out, nil
}
