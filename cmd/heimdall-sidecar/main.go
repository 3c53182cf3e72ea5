// Package main runs the Heimdall sidecar: one SDK client shared by local
// services over HTTP and gRPC.
//
// It acts as the composition root, wiring the optional Redis and
// PostgreSQL snapshot stores into the client and handling the lifecycle of
// the evaluation and observability servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	heimdall "github.com/rafaeljc/heimdall-sdk"
	"github.com/rafaeljc/heimdall-sdk/internal/cache"
	"github.com/rafaeljc/heimdall-sdk/internal/config"
	"github.com/rafaeljc/heimdall-sdk/internal/database"
	"github.com/rafaeljc/heimdall-sdk/internal/grpcapi"
	"github.com/rafaeljc/heimdall-sdk/internal/httpapi"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
	"github.com/rafaeljc/heimdall-sdk/internal/store"
)

// poolMonitorInterval is how often connection pool stats are exported.
const poolMonitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)

	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Persistence (optional)
	// -------------------------------------------------------------------------
	var (
		persisters []heimdall.Persister
		checkers   []observability.Checker
		snapshots  store.SnapshotRepository
	)

	if cfg.Redis.IsConfigured() {
		redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()

		redisStore, err := cache.NewRedisCache(redisClient, cfg.Redis.Scope)
		if err != nil {
			return fmt.Errorf("failed to create redis snapshot store: %w", err)
		}
		persisters = append(persisters, redisStore)
		checkers = append(checkers, cache.NewHealthChecker(redisClient))
		go cache.RunPoolMonitor(ctx, redisClient, poolMonitorInterval)

		log.Info("redis snapshot store enabled", slog.String("key", redisStore.Key()))
	}

	if cfg.Database.IsConfigured() {
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		pgStore := store.NewPostgresStore(pool, cfg.Database.Scope, cfg.Database.HistoryLimit)
		persisters = append(persisters, pgStore)
		snapshots = pgStore
		checkers = append(checkers, database.NewHealthChecker(pool))
		go database.RunPoolMonitor(ctx, pool, poolMonitorInterval)

		log.Info("postgres snapshot store enabled", slog.String("scope", cfg.Database.Scope))
	}

	// -------------------------------------------------------------------------
	// SDK client
	// -------------------------------------------------------------------------
	client, err := heimdall.New(ctx, clientOptions(cfg, log, persisters))
	if err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	checkers = append([]observability.Checker{observability.CheckerFunc{
		ComponentName: "syncer",
		Fn:            client.HealthCheck,
	}}, checkers...)

	// -------------------------------------------------------------------------
	// Servers
	// -------------------------------------------------------------------------
	obsServer := observability.NewServer(log, &cfg.Observability, checkers...)
	if err := obsServer.Start(); err != nil {
		return errors.Join(err, client.Shutdown(context.Background()))
	}

	grpcServer := grpcapi.NewServer(log, &cfg.Sidecar, grpcapi.NewAPI(client))
	if err := grpcServer.Start(); err != nil {
		return errors.Join(err, client.Shutdown(context.Background()))
	}
	go watchReadiness(ctx, client, grpcServer)

	restAPI := httpapi.NewAPI(log, client, snapshots, cfg.Sidecar.APIKeyHash)
	httpAddr := net.JoinHostPort(cfg.Sidecar.Host, cfg.Sidecar.HTTPPort)
	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to bind port %s: %w", cfg.Sidecar.HTTPPort, err), client.Shutdown(context.Background()))
	}

	httpServer := &http.Server{
		Handler:           restAPI.Router,
		ReadTimeout:       cfg.Sidecar.ReadTimeout,
		WriteTimeout:      cfg.Sidecar.WriteTimeout,
		ReadHeaderTimeout: cfg.Sidecar.ReadHeaderTimeout,
		IdleTimeout:       cfg.Sidecar.IdleTimeout,
		MaxHeaderBytes:    cfg.Sidecar.MaxHeaderBytes,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", slog.String("error", err.Error()))
		_ = httpServer.Close()
	}
	grpcServer.Shutdown(shutdownCtx)

	// The client goes last so exposures of in-flight requests are flushed.
	if err := client.Shutdown(shutdownCtx); err != nil {
		log.Error("client shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("observability server forced to shutdown", slog.String("error", err.Error()))
	}

	log.Info("sidecar exited", slog.Int64("exposures_lost", client.LossCount()))
	return runErr
}

func clientOptions(cfg *config.Config, log *slog.Logger, persisters []heimdall.Persister) heimdall.Options {
	retries := cfg.SDK.MaxFlushRetries
	if retries == 0 {
		retries = -1
	}

	return heimdall.Options{
		SDKKey:             cfg.SDK.Key,
		APIURL:             cfg.SDK.APIURL,
		EventsURL:          cfg.SDK.Events(),
		RefreshInterval:    cfg.SDK.RefreshInterval,
		InitTimeout:        cfg.SDK.InitTimeout,
		HTTPTimeout:        cfg.SDK.HTTPTimeout,
		FallbackTimeout:    cfg.SDK.FallbackTimeout,
		FlushInterval:      cfg.SDK.FlushInterval,
		QueueCapacity:      cfg.SDK.QueueCapacity,
		BatchSize:          cfg.SDK.BatchSize,
		MaxFlushRetries:    retries,
		ShutdownTimeout:    cfg.App.ShutdownTimeout,
		OverflowPolicy:     cfg.SDK.OverflowPolicy,
		UnrecognizedPolicy: cfg.SDK.UnrecognizedPolicy,
		DedupeWindow:       cfg.SDK.DedupeWindow,
		DedupeCapacity:     cfg.SDK.DedupeCapacity,
		BootstrapFile:      cfg.SDK.BootstrapFile,
		WatchBootstrap:     cfg.SDK.WatchBootstrap,
		EnvironmentTier:    cfg.SDK.EnvironmentTier,
		Persisters:         persisters,
		SDKVersion:         cfg.App.Version,
		Logger:             log,
	}
}

// watchReadiness mirrors the client's readiness into the gRPC health
// service until ctx ends.
func watchReadiness(ctx context.Context, client *heimdall.Client, srv *grpcapi.Server) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ready := false
	for {
		if now := client.Ready(); now != ready {
			ready = now
			srv.SetServing(ready)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
