package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/repository"
	"github.com/algomatic/screener-service/internal/runtracker"
	"github.com/algomatic/screener-service/internal/screener"
	"github.com/algomatic/screener-service/internal/server"
)

// RemoteScreener runs screens on a screener daemon over gRPC.
type RemoteScreener struct {
	client *server.ScreenerServiceClient
}

// NewRemoteScreener wraps a connection to the daemon.
func NewRemoteScreener(cc grpc.ClientConnInterface) *RemoteScreener {
	return &RemoteScreener{client: server.NewScreenerServiceClient(cc)}
}

// Screen sends a raw DSL request. Failures come back as
// *screener.InvocationError when the daemon reported an invocation id, with
// the daemon's error code restored where it sent one.
func (r *RemoteScreener) Screen(ctx context.Context, raw []byte) (*screener.Response, error) {
	req := &structpb.Struct{}
	if err := req.UnmarshalJSON(raw); err != nil {
		return nil, errs.Wrap(errs.InvalidDSL, err, "request must be a JSON object")
	}

	var trailer metadata.MD
	out, err := r.client.Screen(ctx, req, grpc.Trailer(&trailer))
	if err != nil {
		err = fromStatus(err)
		if ids := trailer.Get(server.InvocationHeader); len(ids) > 0 {
			return nil, &screener.InvocationError{InvocationID: ids[0], Err: err}
		}
		return nil, err
	}

	data, err := out.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	var resp screener.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// ScreenRequest sends an already parsed request.
func (r *RemoteScreener) ScreenRequest(ctx context.Context, req dsl.Request) (*screener.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidDSL, err, "encoding request")
	}
	return r.Screen(ctx, raw)
}

// InvocationList is the daemon's recent invocation history.
type InvocationList struct {
	Invocations   []*runtracker.Invocation `json:"invocations"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
}

// Invocation fetches one tracked invocation.
func (r *RemoteScreener) Invocation(ctx context.Context, id string) (*runtracker.Invocation, error) {
	var inv runtracker.Invocation
	err := r.call(ctx, r.client.GetInvocation, map[string]any{"invocation_id": id}, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Invocations lists recent invocations, newest first. An empty state lists
// every state.
func (r *RemoteScreener) Invocations(ctx context.Context, state runtracker.State, limit int) (*InvocationList, error) {
	req := map[string]any{"limit": limit}
	if state != "" {
		req["state"] = string(state)
	}
	var list InvocationList
	if err := r.call(ctx, r.client.ListInvocations, req, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Fundamentals fetches a company's quarterly history with derived figures.
func (r *RemoteScreener) Fundamentals(ctx context.Context, ticker string) (*repository.CompanyFundamentals, error) {
	var cf repository.CompanyFundamentals
	if err := r.call(ctx, r.client.GetFundamentals, map[string]any{"ticker": ticker}, &cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

type unaryCall func(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)

func (r *RemoteScreener) call(ctx context.Context, fn unaryCall, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	resp, err := fn(ctx, in)
	if err != nil {
		return fromStatus(err)
	}
	data, err := resp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// fromStatus turns a "CODE: message" status back into a coded error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code, msg, found := strings.Cut(st.Message(), ": ")
	if !found || !isCode(errs.Code(code)) {
		return err
	}
	return errs.Wrap(errs.Code(code), err, "%s", msg)
}

func isCode(c errs.Code) bool {
	switch c {
	case errs.InvalidDSL, errs.InvalidField, errs.InvalidRange, errs.AmbiguousTemporalRule,
		errs.UnsatisfiableRule, errs.UnsupportedOperator, errs.DatabaseError, errs.UnsafeDivision:
		return true
	}
	return false
}
