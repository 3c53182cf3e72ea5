package grpcapi_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	heimdall "github.com/rafaeljc/heimdall-sdk"
	"github.com/rafaeljc/heimdall-sdk/internal/apikey"
	"github.com/rafaeljc/heimdall-sdk/internal/config"
	"github.com/rafaeljc/heimdall-sdk/internal/grpcapi"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/syncer"
	"github.com/rafaeljc/heimdall-sdk/internal/testsupport"
)

type fakeClient struct {
	mu       sync.Mutex
	lastUser *heimdall.User
	skipped  bool
}

func (f *fakeClient) GetGate(_ context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.FeatureGate {
	f.mu.Lock()
	f.lastUser, f.skipped = u, len(opts) > 0
	f.mu.Unlock()
	if name == "new_ui" && u.Country == "US" {
		return heimdall.FeatureGate{
			Evaluation: heimdall.Evaluation{Name: name, RuleID: "rule_us", Reason: heimdall.ReasonRuleMatched, UpdateTime: 42},
			Value:      true,
		}
	}
	return heimdall.FeatureGate{Evaluation: heimdall.Evaluation{Name: name, Reason: heimdall.ReasonUnrecognizedSpec}}
}

func (f *fakeClient) GetConfig(_ context.Context, name string, _ *heimdall.User, _ ...heimdall.CheckOption) heimdall.DynamicConfig {
	return heimdall.DynamicConfig{
		Evaluation: heimdall.Evaluation{Name: name, Reason: heimdall.ReasonDefault, UpdateTime: 42},
		Value:      json.RawMessage(`{"color":"blue","sizes":[1,2]}`),
	}
}

func (f *fakeClient) GetExperiment(_ context.Context, name string, _ *heimdall.User, _ ...heimdall.CheckOption) heimdall.Experiment {
	return heimdall.Experiment{DynamicConfig: heimdall.DynamicConfig{
		Evaluation: heimdall.Evaluation{Name: name, RuleID: "test", GroupName: "Test", Reason: heimdall.ReasonRuleMatched},
	}}
}

func (f *fakeClient) Ready() bool { return true }

func (f *fakeClient) SyncState() heimdall.SyncStatus {
	return syncer.Status{State: syncer.StateReady, UpdateTime: 42}
}

// startServer runs the server on an in-memory listener and returns a
// connected client.
func startServer(t *testing.T, client grpcapi.Evaluator, apiKeyHash string) (*grpc.ClientConn, *grpcapi.Server) {
	t.Helper()

	cfg := &config.SidecarConfig{
		MaxConcurrentStreams: 10,
		KeepaliveTime:        time.Minute,
		KeepaliveTimeout:     10 * time.Second,
		MaxConnectionAge:     5 * time.Minute,
		APIKeyHash:           apiKeyHash,
	}
	srv := grpcapi.NewServer(logger.Discard(), cfg, grpcapi.NewAPI(client))

	lis := bufconn.Listen(1024 * 1024)
	srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return conn, srv
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestAPI_Evaluation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		method   string
		req      map[string]any
		wantCode codes.Code
		want     map[string]any
	}{
		{
			name:     "Should pass new_ui for a US user",
			method:   grpcapi.MethodCheckGate,
			req:      map[string]any{"name": "new_ui", "user": map[string]any{"userID": "u1", "country": "US"}},
			wantCode: codes.OK,
			want:     map[string]any{"name": "new_ui", "value": true, "ruleID": "rule_us", "reason": "rule_matched", "updateTime": float64(42)},
		},
		{
			name:     "Should answer false for an unknown gate",
			method:   grpcapi.MethodCheckGate,
			req:      map[string]any{"name": "ghost", "user": map[string]any{"userID": "u1"}},
			wantCode: codes.OK,
			want:     map[string]any{"name": "ghost", "value": false, "reason": "unrecognized_spec", "updateTime": float64(0)},
		},
		{
			name:     "Should return config values",
			method:   grpcapi.MethodGetConfig,
			req:      map[string]any{"name": "theme", "user": map[string]any{"userID": "u1"}},
			wantCode: codes.OK,
			want: map[string]any{
				"name": "theme", "reason": "default", "updateTime": float64(42),
				"value": map[string]any{"color": "blue", "sizes": []any{float64(1), float64(2)}},
			},
		},
		{
			name:     "Should return a null value for an experiment without parameters",
			method:   grpcapi.MethodGetExperiment,
			req:      map[string]any{"name": "checkout", "user": map[string]any{"userID": "u1"}},
			wantCode: codes.OK,
			want:     map[string]any{"name": "checkout", "value": nil, "ruleID": "test", "groupName": "Test", "reason": "rule_matched", "updateTime": float64(0)},
		},
		{
			name:     "Should reject a missing name",
			method:   grpcapi.MethodCheckGate,
			req:      map[string]any{"user": map[string]any{"userID": "u1"}},
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "Should reject a missing user",
			method:   grpcapi.MethodGetConfig,
			req:      map[string]any{"name": "theme"},
			wantCode: codes.InvalidArgument,
		},
	}

	conn, _ := startServer(t, &fakeClient{}, "")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			resp := new(structpb.Struct)

			// Act
			err := conn.Invoke(context.Background(), tt.method, mustStruct(t, tt.req), resp)

			// Assert
			assert.Equal(t, tt.wantCode, status.Code(err))
			if tt.wantCode == codes.OK {
				assert.Equal(t, tt.want, resp.AsMap())
			}
		})
	}
}

func TestAPI_DecodesUser(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	conn, _ := startServer(t, client, "")

	req := mustStruct(t, map[string]any{
		"name":            "new_ui",
		"disableExposure": true,
		"user": map[string]any{
			"userID":    "u1",
			"country":   "US",
			"custom":    map[string]any{"plan": "pro"},
			"customIDs": map[string]any{"companyID": "acme"},
		},
	})

	err := conn.Invoke(context.Background(), grpcapi.MethodCheckGate, req, new(structpb.Struct))

	require.NoError(t, err)
	client.mu.Lock()
	defer client.mu.Unlock()
	require.NotNil(t, client.lastUser)
	assert.Equal(t, "u1", client.lastUser.UserID)
	assert.Equal(t, "pro", client.lastUser.Custom["plan"])
	assert.Equal(t, "acme", client.lastUser.CustomIDs["companyID"])
	assert.True(t, client.skipped)
}

func TestAPI_GetStatus(t *testing.T) {
	t.Parallel()

	conn, _ := startServer(t, &fakeClient{}, "")
	resp := new(structpb.Struct)

	err := conn.Invoke(context.Background(), grpcapi.MethodGetStatus, &structpb.Struct{}, resp)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"ready": true, "state": "ready", "updateTime": float64(42), "consecutiveFailures": float64(0),
	}, resp.AsMap())
}

func TestAuthInterceptor(t *testing.T) {
	t.Parallel()

	const key = "sidecar-secret"
	conn, srv := startServer(t, &fakeClient{}, apikey.Hash(key))
	srv.SetServing(true)
	req := mustStruct(t, map[string]any{"name": "new_ui", "user": map[string]any{"userID": "u"}})

	tests := []struct {
		name     string
		md       metadata.MD
		wantCode codes.Code
	}{
		{name: "Should accept the right key", md: metadata.Pairs(grpcapi.APIKeyMetadata, key), wantCode: codes.OK},
		{name: "Should reject a missing key", wantCode: codes.Unauthenticated},
		{name: "Should reject a wrong key", md: metadata.Pairs(grpcapi.APIKeyMetadata, "nope"), wantCode: codes.Unauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewOutgoingContext(ctx, tt.md)
			}

			err := conn.Invoke(ctx, grpcapi.MethodCheckGate, req, new(structpb.Struct))

			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}

	t.Run("Health checks skip authentication", func(t *testing.T) {
		t.Parallel()

		resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})

		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	})
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	conn, srv := startServer(t, &fakeClient{}, "")
	health := healthpb.NewHealthClient(conn)
	req := &healthpb.HealthCheckRequest{Service: grpcapi.ServiceName}

	resp, err := health.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.SetServing(true)

	resp, err = health.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRequestLoggerInterceptor_Metrics(t *testing.T) {
	conn, _ := startServer(t, &fakeClient{}, "")
	req := mustStruct(t, map[string]any{"name": "theme"})

	labels := map[string]string{"method": grpcapi.MethodGetConfig, "code": "InvalidArgument"}
	testsupport.AssertMetricDelta(t, "heimdall_sidecar_grpc_requests_total", labels, 1, func() {
		_ = conn.Invoke(context.Background(), grpcapi.MethodGetConfig, req, new(structpb.Struct))
	})
	testsupport.AssertHistogramRecorded(t, "heimdall_sidecar_grpc_handling_seconds", labels)
}

func TestNewAPI_PanicsWithoutClient(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { grpcapi.NewAPI(nil) })
}
