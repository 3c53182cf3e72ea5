package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-sdk/internal/config"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
)

func testConfig() *config.ObservabilityConfig {
	return &config.ObservabilityConfig{
		Port:          "0",
		Timeout:       time.Second,
		LivenessPath:  "/health/live",
		ReadinessPath: "/health/ready",
		MetricsPath:   "/metrics",
	}
}

func checker(name string, err error) observability.Checker {
	return observability.CheckerFunc{
		ComponentName: name,
		Fn:            func(context.Context) error { return err },
	}
}

func TestServer_Liveness(t *testing.T) {
	t.Parallel()

	srv := observability.NewServer(logger.Discard(), testConfig(), checker("syncer", errors.New("no snapshot")))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServer_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []observability.Checker
		wantStatus int
		wantBody   map[string]string
	}{
		{
			name:       "Should be ready without checkers",
			wantStatus: http.StatusOK,
			wantBody:   map[string]string{},
		},
		{
			name:       "Should be ready when every component is up",
			checkers:   []observability.Checker{checker("syncer", nil), checker("redis", nil)},
			wantStatus: http.StatusOK,
			wantBody:   map[string]string{"syncer": "up", "redis": "up"},
		},
		{
			name:       "Should be unavailable when one component is down",
			checkers:   []observability.Checker{checker("syncer", errors.New("no snapshot installed")), checker("redis", nil)},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]string{"syncer": "down: no snapshot installed", "redis": "up"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			srv := observability.NewServer(logger.Discard(), testConfig(), tt.checkers...)
			rec := httptest.NewRecorder()

			// Act
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			// Assert
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Status map[string]string `json:"status"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body.Status)
		})
	}
}

func TestServer_ReadinessHonorsTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	slow := observability.CheckerFunc{
		ComponentName: "postgres",
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	srv := observability.NewServer(logger.Discard(), cfg, slow)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadline exceeded")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := observability.NewServer(logger.Discard(), testConfig())
	observability.SyncConsecutiveFailures.Set(0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "heimdall_sdk_sync_consecutive_failures"))
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	srv := observability.NewServer(logger.Discard(), testConfig())

	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	t.Parallel()

	srv := observability.NewServer(logger.Discard(), testConfig())
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestNewServer_PanicsWithoutConfig(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { observability.NewServer(logger.Discard(), nil) })
}
