package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{SDKKey: "secret-key", APIURL: srv.URL + "/v1/", SDKVersion: "1.2.3", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "Should require an sdk key", cfg: Config{APIURL: "https://x.test"}},
		{name: "Should reject non-http schemes", cfg: Config{SDKKey: "k", APIURL: "ftp://x.test"}, wantErr: ErrInvalidURL},
		{name: "Should reject a missing host", cfg: Config{SDKKey: "k", APIURL: "https://"}, wantErr: ErrInvalidURL},
		{name: "Should reject a bad events url", cfg: Config{SDKKey: "k", EventsURL: "::nope"}, wantErr: ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	c, err := New(Config{SDKKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIURL, c.apiURL)
	assert.Equal(t, DefaultAPIURL, c.eventsURL)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestClient_FetchSpecs(t *testing.T) {
	t.Parallel()

	// Arrange
	var gotPath, gotKey, gotType, gotVersion, gotTime string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(HeaderAPIKey)
		gotType = r.Header.Get(HeaderSDKType)
		gotVersion = r.Header.Get(HeaderSDKVersion)
		gotTime = r.Header.Get(HeaderClientTime)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"has_updates":true,"time":42}`))
	})

	// Act
	body, err := c.FetchSpecs(context.Background(), 41)

	// Assert
	require.NoError(t, err)
	assert.JSONEq(t, `{"has_updates":true,"time":42}`, string(body))
	assert.Equal(t, "/v1/download_config_specs", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, SDKType, gotType)
	assert.Equal(t, "1.2.3", gotVersion)
	assert.NotEmpty(t, gotTime)
	assert.Equal(t, float64(41), gotBody["sinceTime"])
}

func TestClient_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "500 is transient", status: http.StatusInternalServerError, wantTransient: true},
		{name: "503 is transient", status: http.StatusServiceUnavailable, wantTransient: true},
		{name: "429 is transient", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "408 is transient", status: http.StatusRequestTimeout, wantTransient: true},
		{name: "401 is permanent", status: http.StatusUnauthorized},
		{name: "400 is permanent", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := c.FetchSpecs(context.Background(), 0)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, "nope", statusErr.Body)
			assert.Equal(t, tt.wantTransient, errors.Is(err, ErrTransient))
			assert.Equal(t, !tt.wantTransient, errors.Is(err, ErrPermanent))
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c, err := New(Config{SDKKey: "k", APIURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.FetchSpecs(context.Background(), 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SubmitExposures(t *testing.T) {
	t.Parallel()

	t.Run("Small batches are sent as plain JSON to the events url", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotEncoding string
		var got struct {
			Events []exposure.Event `json:"events"`
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotEncoding = r.Header.Get("Content-Encoding")
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusAccepted)
		}))
		t.Cleanup(srv.Close)

		c, err := New(Config{SDKKey: "k", APIURL: "https://api.invalid", EventsURL: srv.URL + "/events"})
		require.NoError(t, err)

		err = c.SubmitExposures(context.Background(), []exposure.Event{{ID: "e1", SpecName: "new_ui"}})

		require.NoError(t, err)
		assert.Equal(t, "/events/log_event", gotPath)
		assert.Empty(t, gotEncoding)
		require.Len(t, got.Events, 1)
		assert.Equal(t, "new_ui", got.Events[0].SpecName)
	})

	t.Run("Large batches are gzip compressed", func(t *testing.T) {
		t.Parallel()

		var count atomic.Int32
		var gotEncoding string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotEncoding = r.Header.Get("Content-Encoding")
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			raw, _ := io.ReadAll(zr)
			var body struct {
				Events []exposure.Event `json:"events"`
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			count.Store(int32(len(body.Events)))
		})

		events := make([]exposure.Event, 50)
		for i := range events {
			events[i] = exposure.Event{ID: strings.Repeat("x", 36), SpecName: "checkout_flow"}
		}

		err := c.SubmitExposures(context.Background(), events)

		require.NoError(t, err)
		assert.Equal(t, "gzip", gotEncoding)
		assert.Equal(t, int32(50), count.Load())
	})

	t.Run("Rejected batches are marked permanent", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			status        int
			wantPermanent bool
		}{
			{status: http.StatusUnauthorized, wantPermanent: true},
			{status: http.StatusBadRequest, wantPermanent: true},
			{status: http.StatusTooManyRequests, wantPermanent: false},
			{status: http.StatusServiceUnavailable, wantPermanent: false},
		}

		for _, tt := range tests {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := c.SubmitExposures(context.Background(), []exposure.Event{{ID: "e1"}})

			var perm *backoff.PermanentError
			assert.Equal(t, tt.wantPermanent, errors.As(err, &perm), "status %d", tt.status)
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		}
	})
}

func TestClient_Evaluate(t *testing.T) {
	t.Parallel()

	t.Run("Gates use check_gate", func(t *testing.T) {
		t.Parallel()

		var gotPath string
		var gotBody map[string]any
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_, _ = w.Write([]byte(`{"name":"server_gate","value":true,"rule_id":"r1"}`))
		})

		out, err := c.Evaluate(context.Background(), ruleengine.KindGate, "server_gate", &ruleengine.User{UserID: "u1"})

		require.NoError(t, err)
		assert.Equal(t, "/v1/check_gate", gotPath)
		assert.Equal(t, "server_gate", gotBody["gateName"])
		assert.Equal(t, "u1", gotBody["user"].(map[string]any)["userID"])
		assert.True(t, out.Pass)
		assert.True(t, out.Matched)
		assert.Equal(t, "r1", out.RuleID)
	})

	t.Run("Configs use get_config", func(t *testing.T) {
		t.Parallel()

		var gotBody map[string]any
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/get_config", r.URL.Path)
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_, _ = w.Write([]byte(`{"value":{"color":"gold"},"rule_id":"r-pro","group_name":"pro"}`))
		})

		out, err := c.Evaluate(context.Background(), ruleengine.KindDynamicConfig, "theme", &ruleengine.User{UserID: "u1"})

		require.NoError(t, err)
		assert.Equal(t, "theme", gotBody["configName"])
		assert.JSONEq(t, `{"color":"gold"}`, string(out.Value))
		assert.Equal(t, "pro", out.GroupName)
		assert.True(t, out.Pass)
	})

	t.Run("Malformed gate values are rejected", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"value":"yes"}`))
		})

		_, err := c.Evaluate(context.Background(), ruleengine.KindGate, "g", &ruleengine.User{})

		assert.ErrorIs(t, err, ErrBadResponse)
	})
}
