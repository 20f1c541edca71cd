// Package server exposes the screener pipeline over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/repository"
	"github.com/algomatic/screener-service/internal/runtracker"
	"github.com/algomatic/screener-service/internal/screener"
)

// InvocationHeader carries the invocation id in response trailers so
// callers can look up failed invocations.
const InvocationHeader = "x-invocation-id"

// DefaultListLimit caps ListInvocations when the request sets no limit.
const DefaultListLimit = 50

// Screener is the pipeline the server fronts. *screener.Service and
// *screener.CachedService satisfy it.
type Screener interface {
	Screen(ctx context.Context, raw []byte) (*screener.Response, error)
	Tracker() *runtracker.Tracker
}

// Fundamentals loads one company's quarterly history with derived figures.
type Fundamentals interface {
	CompanyFundamentals(ctx context.Context, ticker string) (*repository.CompanyFundamentals, error)
}

// ScreenerServer implements ScreenerServiceServer.
type ScreenerServer struct {
	svc          Screener
	fundamentals Fundamentals
	logger       *slog.Logger
}

// NewScreenerServer creates a ScreenerServer. fundamentals may be nil, in
// which case GetFundamentals is unimplemented.
func NewScreenerServer(svc Screener, fundamentals Fundamentals, logger *slog.Logger) *ScreenerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreenerServer{svc: svc, fundamentals: fundamentals, logger: logger}
}

// New builds a gRPC server with the screener, health and reflection
// services registered.
func New(svc Screener, fundamentals Fundamentals, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogging(logger)))
	s := grpc.NewServer(opts...)
	RegisterScreenerServiceServer(s, NewScreenerServer(svc, fundamentals, logger))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(s)
	return s, hs
}

// mapError converts pipeline errors to gRPC status codes. Coded errors keep
// their code in the status message.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var ce *errs.Error
	if errors.As(err, &ce) {
		msg := string(ce.Code) + ": " + ce.Message
		switch {
		case errs.IsClientError(ce.Code):
			return status.Error(codes.InvalidArgument, msg)
		case ce.Code == errs.DatabaseError:
			return status.Error(codes.Unavailable, msg)
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

func (s *ScreenerServer) Screen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil || len(req.GetFields()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "request body is required")
	}
	raw, err := req.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encoding request: %v", err)
	}

	resp, err := s.svc.Screen(ctx, raw)
	if id := invocationID(resp, err); id != "" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(InvocationHeader, id))
	}
	if err != nil {
		s.logger.Warn("Screen failed", "code", errs.CodeOf(err), "error", err)
		return nil, mapError(err)
	}
	return toStruct(resp)
}

func (s *ScreenerServer) GetInvocation(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["invocation_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "invocation_id is required")
	}
	inv := s.svc.Tracker().Get(id)
	if inv == nil {
		return nil, status.Errorf(codes.NotFound, "invocation %q not found", id)
	}
	return toStruct(inv)
}

// invocationList is the ListInvocations response body.
type invocationList struct {
	Invocations   []*runtracker.Invocation `json:"invocations"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
}

func (s *ScreenerServer) ListInvocations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	state := runtracker.State(f["state"].GetStringValue())
	if state != "" && !state.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown state %q", state)
	}
	limit := int(f["limit"].GetNumberValue())
	if limit <= 0 {
		limit = DefaultListLimit
	}

	tracker := s.svc.Tracker()
	return toStruct(invocationList{
		Invocations:   tracker.List(state, limit),
		UptimeSeconds: tracker.UptimeSeconds(),
	})
}

func (s *ScreenerServer) GetFundamentals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.fundamentals == nil {
		return nil, status.Error(codes.Unimplemented, "fundamentals are not served by this instance")
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.GetFields()["ticker"].GetStringValue()))
	if ticker == "" {
		return nil, status.Error(codes.InvalidArgument, "ticker is required")
	}

	cf, err := s.fundamentals.CompanyFundamentals(ctx, ticker)
	if err != nil {
		s.logger.Warn("GetFundamentals failed", "ticker", ticker, "error", err)
		return nil, mapError(errs.Wrap(errs.DatabaseError, err, "loading fundamentals for %s", ticker))
	}
	if len(cf.Quarterly) == 0 {
		return nil, status.Errorf(codes.NotFound, "no fundamentals for %s", ticker)
	}
	return toStruct(cf)
}

func invocationID(resp *screener.Response, err error) string {
	if resp != nil {
		return resp.InvocationID
	}
	return screener.InvocationIDOf(err)
}

// toStruct converts any JSON-marshalable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}

// UnaryLogging logs every unary call with its status code and duration.
func UnaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "gRPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// Addr formats a listen address for port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
