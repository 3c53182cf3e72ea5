// Package database provides the PostgreSQL connection factory.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/heimdall-sdk/internal/config"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
)

// NewPostgresPool creates a pgx pool from cfg and pings it with
// exponential backoff. The caller owns the returned pool.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	maxRetries := max(cfg.PingMaxRetries, 1)
	log := logger.FromContext(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.PingBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, max(cfg.ConnectTimeout, time.Second))
		defer cancel()

		if err := pool.Ping(pingCtx); err != nil {
			log.Warn("postgres ping failed",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", maxRetries),
				slog.Any("error", err),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(maxRetries)))
	if err == nil {
		log.Info("postgres connected", slog.Int("attempt", attempt))
		return pool, nil
	}

	pool.Close()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("postgres connect interrupted: %w", ctx.Err())
	}
	return nil, fmt.Errorf("failed to ping database after %d attempts: %w", attempt, err)
}

// RunPoolMonitor exports pool statistics every interval until ctx is
// cancelled.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			observability.PoolConnections.WithLabelValues("postgres", "total").Set(float64(stat.TotalConns()))
			observability.PoolConnections.WithLabelValues("postgres", "idle").Set(float64(stat.IdleConns()))
			observability.PoolConnections.WithLabelValues("postgres", "in_use").Set(float64(stat.AcquiredConns()))
			observability.PoolTimeoutsTotal.WithLabelValues("postgres").Set(float64(stat.CanceledAcquireCount()))
		}
	}
}
