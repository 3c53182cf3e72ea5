package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-sdk/internal/config"
)

func TestNewRedisClient_Unreachable(t *testing.T) {
	t.Parallel()

	cfg := &config.RedisConfig{
		Host:           "127.0.0.1",
		Port:           "1",
		PoolSize:       1,
		DialTimeout:    200 * time.Millisecond,
		ReadTimeout:    200 * time.Millisecond,
		WriteTimeout:   200 * time.Millisecond,
		PoolTimeout:    200 * time.Millisecond,
		MaxRetries:     -1,
		PingMaxRetries: 3,
		PingBackoff:    5 * time.Millisecond,
	}

	t.Run("Should give up after the configured attempts", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := NewRedisClient(ctx, cfg)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
	})

	t.Run("Should stop when the context ends", func(t *testing.T) {
		t.Parallel()

		slow := *cfg
		slow.PingMaxRetries = 100
		slow.PingBackoff = time.Minute
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := NewRedisClient(ctx, &slow)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "interrupted")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Should reject a nil config", func(t *testing.T) {
		t.Parallel()

		_, err := NewRedisClient(context.Background(), nil)
		assert.Error(t, err)
	})
}
