// Package flight implements the Arrow RPC surface: DoGet with SQL tickets,
// DoPut streaming ingest, schema negotiation and basic-auth key checks.
package flight

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"helios-runtime/internal/auth"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/ingest"
	"helios-runtime/internal/runtime"
	"helios-runtime/internal/tableref"
)

// Service is the Flight handler over the runtime.
type Service struct {
	arrowflight.BaseFlightServer
	runtime *runtime.Runtime
	log     *zap.Logger
}

// NewService creates the Flight handler.
func NewService(rt *runtime.Runtime, log *zap.Logger) *Service {
	svc := &Service{runtime: rt, log: log}
	svc.SetAuthHandler(&keyAuthHandler{keys: rt.Keys()})
	return svc
}

// NewServer wraps the service in a listening Flight server.
func NewServer(rt *runtime.Runtime, log *zap.Logger, addr string) (arrowflight.Server, error) {
	srv := arrowflight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(NewService(rt, log))
	if err := srv.Init(addr); err != nil {
		return nil, err
	}
	return srv, nil
}

// ----------------------------------------------------------------------------
// auth
// ----------------------------------------------------------------------------

// keyAuthHandler implements handshake authentication over the configured
// API key set. The handshake payload is the raw key.
type keyAuthHandler struct {
	keys *auth.KeySet
}

func (h *keyAuthHandler) Authenticate(conn arrowflight.AuthConn) error {
	payload, err := conn.Read()
	if err != nil && err != io.EOF {
		return status.Error(codes.Unauthenticated, "failed to read handshake payload")
	}
	if _, err := h.keys.Verify(string(payload)); err != nil {
		return status.Error(codes.Unauthenticated, "invalid API key")
	}
	return conn.Send(payload)
}

func (h *keyAuthHandler) IsValid(token string) (any, error) {
	principal, err := h.keys.Verify(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid API key")
	}
	return principal, nil
}

// requestContext builds the core request context from call metadata. Keys
// may also arrive per-call as `authorization: Basic user:key`.
func (s *Service) requestContext(ctx context.Context) (context.Context, error) {
	rc := &auth.RequestContext{
		Protocol:     auth.ProtocolFlight,
		CacheControl: auth.CacheControlDefault,
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if ua := md.Get("user-agent"); len(ua) > 0 {
		rc.UserAgent = ua[0]
	}
	if cc := md.Get("x-helios-cache-control"); len(cc) > 0 && strings.EqualFold(cc[0], "no-cache") {
		rc.CacheControl = auth.CacheControlNoCache
	}

	if peer, ok := arrowflight.AuthFromContext(ctx).(*auth.Principal); ok {
		rc.Principal = peer
	} else if key, ok := basicKeyFromMetadata(md); ok {
		principal, err := s.runtime.Keys().Verify(key)
		if err != nil {
			return nil, toStatus(err)
		}
		rc.Principal = principal
	} else if !s.runtime.Keys().Enabled() {
		principal, _ := s.runtime.Keys().Verify("")
		rc.Principal = principal
	}
	return auth.WithRequestContext(ctx, rc), nil
}

func basicKeyFromMetadata(md metadata.MD) (string, bool) {
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", false
	}
	raw := values[0]
	if strings.HasPrefix(raw, "Basic ") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, "Basic "))
		if err != nil {
			return "", false
		}
		// basic credentials are user:key; the key is the password part
		if _, key, ok := strings.Cut(string(decoded), ":"); ok {
			return key, true
		}
		return string(decoded), true
	}
	if strings.HasPrefix(raw, "Bearer ") {
		return strings.TrimPrefix(raw, "Bearer "), true
	}
	return raw, true
}

func toStatus(err error) error {
	var re *rterrors.RuntimeError
	if ok := asRuntimeError(err, &re); ok {
		return status.Error(re.GRPCCode(), re.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func asRuntimeError(err error, target **rterrors.RuntimeError) bool {
	for err != nil {
		if re, ok := err.(*rterrors.RuntimeError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ----------------------------------------------------------------------------
// read path
// ----------------------------------------------------------------------------

// GetSchema returns the output schema of the SQL carried in the descriptor.
func (s *Service) GetSchema(ctx context.Context, in *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	ctx, err := s.requestContext(ctx)
	if err != nil {
		return nil, err
	}
	sql := string(in.Cmd)
	if sql == "" && len(in.Path) > 0 {
		sql = "SELECT * FROM " + in.Path[0]
	}
	schema, err := s.runtime.Engine().GetSchema(ctx, sql)
	if err != nil {
		return nil, toStatus(err)
	}
	return &arrowflight.SchemaResult{
		Schema: arrowflight.SerializeSchema(schema, memory.DefaultAllocator),
	}, nil
}

// GetFlightInfo plans the SQL and advertises a single endpoint whose ticket
// is the query text.
func (s *Service) GetFlightInfo(ctx context.Context, in *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	ctx, err := s.requestContext(ctx)
	if err != nil {
		return nil, err
	}
	sql := string(in.Cmd)
	schema, err := s.runtime.Engine().GetSchema(ctx, sql)
	if err != nil {
		return nil, toStatus(err)
	}
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(schema, memory.DefaultAllocator),
		FlightDescriptor: in,
		Endpoint: []*arrowflight.FlightEndpoint{{
			Ticket: &arrowflight.Ticket{Ticket: in.Cmd},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}, nil
}

// DoGet executes the UTF-8 SQL ticket and streams record batches.
func (s *Service) DoGet(ticket *arrowflight.Ticket, fs arrowflight.FlightService_DoGetServer) error {
	ctx, err := s.requestContext(fs.Context())
	if err != nil {
		return err
	}
	result, err := s.runtime.Engine().Run(ctx, string(ticket.Ticket))
	if err != nil {
		return toStatus(err)
	}
	defer result.Stream.Close()

	writer := arrowflight.NewRecordWriter(fs, ipc.WithSchema(result.Schema))
	defer writer.Close()
	for {
		rec, err := result.Stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return toStatus(err)
		}
		writeErr := writer.Write(rec)
		rec.Release()
		if writeErr != nil {
			return status.Error(codes.Internal, writeErr.Error())
		}
	}
}

// ----------------------------------------------------------------------------
// write path
// ----------------------------------------------------------------------------

// DoPut ingests a client batch stream into the table named by the flight
// descriptor path, acknowledging each accepted batch.
func (s *Service) DoPut(stream arrowflight.FlightService_DoPutServer) error {
	ctx, err := s.requestContext(stream.Context())
	if err != nil {
		return err
	}

	reader, err := arrowflight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, "first message must carry a flight descriptor and schema")
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return status.Error(codes.InvalidArgument, "flight descriptor must name the target table")
	}
	ref := tableref.Parse(strings.Join(desc.Path, "."))

	target, err := s.runtime.WritableTable(ctx, ref)
	if err != nil {
		return toStatus(err)
	}
	targetSchema, err := target.Schema(ctx)
	if err != nil {
		return toStatus(err)
	}

	session := &ingest.Session{
		Table:        ref,
		Target:       target,
		TargetSchema: targetSchema,
		OnAck: func(batchIndex int) {
			_ = stream.Send(&arrowflight.PutResult{
				AppMetadata: []byte(fmt.Sprintf(`{"batch":%d}`, batchIndex)),
			})
		},
		Limiter: s.runtime.Limiter(),
		Metrics: s.runtime.Metrics(),
		Tracing: s.runtime.Tracing(),
		Log:     s.log,
	}
	if err := session.Run(ctx, &flightBatchSource{reader: reader}); err != nil {
		return toStatus(err)
	}
	return nil
}

// flightBatchSource adapts the flight record reader to the ingest contract.
type flightBatchSource struct {
	reader *arrowflight.Reader
}

// Next implements ingest.BatchSource.
func (s *flightBatchSource) Next(_ context.Context) (arrow.Record, error) {
	if !s.reader.Next() {
		if err := s.reader.Err(); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, io.EOF
	}
	rec := s.reader.Record()
	rec.Retain()
	return rec, nil
}

// ----------------------------------------------------------------------------
// actions
// ----------------------------------------------------------------------------

// DoAction handles runtime actions; `refresh_dataset` triggers an
// acceleration refresh.
func (s *Service) DoAction(action *arrowflight.Action, fs arrowflight.FlightService_DoActionServer) error {
	ctx, err := s.requestContext(fs.Context())
	if err != nil {
		return err
	}
	if err := auth.RequireWrite(auth.FromContext(ctx)); err != nil {
		return toStatus(err)
	}
	switch action.Type {
	case "refresh_dataset":
		var body struct {
			Dataset    string `json:"dataset"`
			RefreshSQL string `json:"refresh_sql"`
		}
		if err := json.Unmarshal(action.Body, &body); err != nil {
			return status.Error(codes.InvalidArgument, "action body must be JSON with a dataset field")
		}
		if err := s.runtime.RefreshDataset(body.Dataset, body.RefreshSQL); err != nil {
			return toStatus(err)
		}
		return fs.Send(&arrowflight.Result{Body: []byte(`{"status":"refresh triggered"}`)})
	default:
		return status.Errorf(codes.InvalidArgument, "unknown action %q", action.Type)
	}
}

// ListActions advertises the supported actions.
func (s *Service) ListActions(_ *arrowflight.Empty, fs arrowflight.FlightService_ListActionsServer) error {
	return fs.Send(&arrowflight.ActionType{
		Type:        "refresh_dataset",
		Description: "Trigger an acceleration refresh for a dataset",
	})
}
