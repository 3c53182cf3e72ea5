package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/rafaeljc/heimdall-sdk/internal/config"
	"github.com/rafaeljc/heimdall-sdk/internal/validation"
)

// Server wraps a grpc.Server serving the Evaluation service and the
// standard health service.
type Server struct {
	logger *slog.Logger
	cfg    *config.SidecarConfig
	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds the gRPC server for api. The health service starts
// NOT_SERVING; call SetServing once a snapshot is installed.
func NewServer(logger *slog.Logger, cfg *config.SidecarConfig, api *API) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(cfg, "grpcapi: config")
	validation.AssertNotNil(api, "grpcapi: api")

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RequestLoggerInterceptor(logger),
			AuthInterceptor(cfg.APIKeyHash),
		),
		grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:             cfg.KeepaliveTime,
			Timeout:          cfg.KeepaliveTimeout,
			MaxConnectionAge: cfg.MaxConnectionAge,
		}),
	}

	s := &Server{
		logger: logger,
		cfg:    cfg,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}

	api.Register(s.grpc)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)

	return s
}

// SetServing flips the health status of the Evaluation service and of
// the server as a whole.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start binds the port and serves in a background goroutine. Binding
// happens synchronously so a busy port fails startup.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.Serve(lis)
	return nil
}

// Serve serves on lis in a background goroutine.
func (s *Server) Serve(lis net.Listener) {
	s.logger.Info("starting grpc server", slog.String("addr", lis.Addr().String()))
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("grpc server failed", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown drains in-flight RPCs, forcing the stop when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("grpc server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}
