package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/rafaeljc/heimdall-sdk/internal/apikey"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
)

// APIKeyMetadata is the metadata key carrying the sidecar API key.
const APIKeyMetadata = "x-api-key"

// RequestLoggerInterceptor returns a UnaryServerInterceptor that resolves
// (or generates) the x-request-id, injects a request-scoped logger into
// the context and logs the outcome of the call. It also records the RPC
// metrics.
func RequestLoggerInterceptor(base *slog.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		reqID := firstMetadata(ctx, "x-request-id")
		if reqID == "" {
			reqID = uuid.NewString()
		}

		rpcLogger := base.With(
			slog.String("request_id", reqID),
			slog.String("rpc_method", info.FullMethod),
		)
		newCtx := logger.WithContext(ctx, rpcLogger)

		resp, err := handler(newCtx, req)

		duration := time.Since(start)
		code := status.Code(err)

		observability.SidecarGrpcDuration.WithLabelValues(info.FullMethod, code.String()).Observe(duration.Seconds())
		observability.SidecarGrpcTotal.WithLabelValues(info.FullMethod, code.String()).Inc()

		// Client mistakes are expected; only server-side failures are errors.
		level := slog.LevelInfo
		switch code {
		case codes.Internal, codes.Unavailable, codes.DataLoss, codes.Unknown:
			level = slog.LevelError
		case codes.DeadlineExceeded, codes.Unimplemented, codes.Unauthenticated:
			level = slog.LevelWarn
		}

		rpcLogger.Log(newCtx, level, "grpc request completed",
			slog.String("code", code.String()),
			slog.Duration("duration", duration),
			slog.String("peer_addr", getPeerAddr(ctx)),
		)

		return resp, err
	}
}

// AuthInterceptor rejects calls whose x-api-key metadata does not hash to
// apiKeyHash. An empty hash disables the check. Health checks are always
// allowed.
func AuthInterceptor(apiKeyHash string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if apiKeyHash == "" || isHealthMethod(info.FullMethod) {
			return handler(ctx, req)
		}

		key := firstMetadata(ctx, APIKeyMetadata)
		if key == "" {
			return nil, status.Error(codes.Unauthenticated, "missing API key")
		}
		if !apikey.Matches(key, apiKeyHash) {
			logger.FromContext(ctx).Warn("invalid api key presented")
			return nil, status.Error(codes.Unauthenticated, "invalid API key")
		}
		return handler(ctx, req)
	}
}

func isHealthMethod(fullMethod string) bool {
	return fullMethod == "/grpc.health.v1.Health/Check"
}

// firstMetadata returns the first incoming value for key. Keys are
// lowercase in gRPC metadata.
func firstMetadata(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(key); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// getPeerAddr extracts the client address safely.
func getPeerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}
