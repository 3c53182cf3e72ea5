// Package grpcapi exposes the SDK client of the sidecar over gRPC. The
// service carries google.protobuf.Struct messages, so callers need no
// generated stubs beyond the well-known types.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	heimdall "github.com/rafaeljc/heimdall-sdk"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "heimdall.sidecar.v1.Evaluation"

// Full method names, as used with grpc.ClientConn.Invoke.
const (
	MethodCheckGate     = "/" + ServiceName + "/CheckGate"
	MethodGetConfig     = "/" + ServiceName + "/GetConfig"
	MethodGetExperiment = "/" + ServiceName + "/GetExperiment"
	MethodGetStatus     = "/" + ServiceName + "/GetStatus"
)

// Evaluator is the subset of the SDK client served over gRPC.
type Evaluator interface {
	GetGate(ctx context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.FeatureGate
	GetConfig(ctx context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.DynamicConfig
	GetExperiment(ctx context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.Experiment
	Ready() bool
	SyncState() heimdall.SyncStatus
}

// EvaluationServer is the server side of the Evaluation service.
type EvaluationServer interface {
	CheckGate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetExperiment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// API implements EvaluationServer on top of the SDK client.
type API struct {
	client Evaluator
}

var _ EvaluationServer = (*API)(nil)

// NewAPI creates the gRPC API.
func NewAPI(client Evaluator) *API {
	if client == nil {
		panic("grpcapi: client cannot be nil")
	}
	return &API{client: client}
}

// Register connects this implementation to the grpc.Server engine.
func (a *API) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, a)
}

// CheckGate evaluates a feature gate.
//
// Request fields: name (string, required), user (object, required),
// disableExposure (bool). It returns INVALID_ARGUMENT for a bad request;
// unknown gates are not an error and answer false.
func (a *API) CheckGate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := parseCheckRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	gate := a.client.GetGate(ctx, in.name, in.user, in.opts...)
	return evaluationResponse(gate.Evaluation, gate.Value)
}

// GetConfig evaluates a dynamic config.
func (a *API) GetConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := parseCheckRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := a.client.GetConfig(ctx, in.name, in.user, in.opts...)
	return evaluationResponse(cfg.Evaluation, rawValue(cfg.Value))
}

// GetExperiment evaluates an experiment.
func (a *API) GetExperiment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := parseCheckRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	exp := a.client.GetExperiment(ctx, in.name, in.user, in.opts...)
	return evaluationResponse(exp.Evaluation, rawValue(exp.Value))
}

// GetStatus reports the synchronizer state. The request is ignored.
func (a *API) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := a.client.SyncState()
	fields := map[string]any{
		"ready":               a.client.Ready(),
		"state":               st.State.String(),
		"updateTime":          st.UpdateTime,
		"consecutiveFailures": st.ConsecutiveFailures,
	}
	if st.LastError != "" {
		fields["lastError"] = st.LastError
	}
	return structpb.NewStruct(fields)
}

type checkRequest struct {
	name string
	user *heimdall.User
	opts []heimdall.CheckOption
}

func parseCheckRequest(ctx context.Context, req *structpb.Struct) (*checkRequest, error) {
	log := logger.FromContext(ctx)

	fields := req.GetFields()
	name := strings.TrimSpace(fields["name"].GetStringValue())
	if name == "" {
		log.Warn("bad request: missing name")
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	userField := fields["user"].GetStructValue()
	if userField == nil {
		log.Warn("bad request: missing user", slog.String("name", name))
		return nil, status.Error(codes.InvalidArgument, "user is required")
	}

	// Struct values decode through JSON so the user keeps its field tags.
	raw, err := userField.MarshalJSON()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "user is not encodable")
	}
	var u heimdall.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid user: %v", err)
	}

	in := &checkRequest{name: name, user: &u}
	if fields["disableExposure"].GetBoolValue() {
		in.opts = append(in.opts, heimdall.WithoutExposure())
	}
	return in, nil
}

func rawValue(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(v, &out); err != nil {
		return nil
	}
	return out
}

func evaluationResponse(e heimdall.Evaluation, value any) (*structpb.Struct, error) {
	fields := map[string]any{
		"name":       e.Name,
		"value":      value,
		"reason":     string(e.Reason),
		"updateTime": e.UpdateTime,
	}
	if e.RuleID != "" {
		fields["ruleID"] = e.RuleID
	}
	if e.GroupName != "" {
		fields["groupName"] = e.GroupName
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode response: %v", err))
	}
	return resp, nil
}
