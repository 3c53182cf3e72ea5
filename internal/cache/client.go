package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/heimdall-sdk/internal/config"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
)

// NewRedisClient connects to Redis using cfg and pings it with
// exponential backoff before returning.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	maxRetries := max(cfg.PingMaxRetries, 1)
	log := logger.FromContext(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.PingBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout+opts.ReadTimeout)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis ping failed",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", maxRetries),
				slog.Any("error", err),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(maxRetries)))
	if err == nil {
		log.Info("redis connected", slog.Int("attempt", attempt))
		return client, nil
	}

	_ = client.Close()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("redis connect interrupted: %w", ctx.Err())
	}
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempt, err)
}

func redisOptions(cfg *config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.MinRetryBackoff
	opts.MaxRetryBackoff = cfg.MaxRetryBackoff

	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// RunPoolMonitor exports the client's pool statistics every interval
// until ctx is cancelled.
func RunPoolMonitor(ctx context.Context, client *redis.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := client.PoolStats()
			observability.PoolConnections.WithLabelValues("redis", "total").Set(float64(stats.TotalConns))
			observability.PoolConnections.WithLabelValues("redis", "idle").Set(float64(stats.IdleConns))
			observability.PoolConnections.WithLabelValues("redis", "in_use").Set(float64(stats.TotalConns - stats.IdleConns))
			observability.PoolConnections.WithLabelValues("redis", "stale").Set(float64(stats.StaleConns))
			observability.PoolTimeoutsTotal.WithLabelValues("redis").Set(float64(stats.Timeouts))
		}
	}
}
