package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/fallback"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
	"github.com/rafaeljc/heimdall-sdk/internal/specstore"
	"github.com/rafaeljc/heimdall-sdk/internal/testsupport"
)

type sliceRecorder struct {
	mu     sync.Mutex
	events []exposure.Event
}

func (s *sliceRecorder) Record(e exposure.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sliceRecorder) all() []exposure.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exposure.Event(nil), s.events...)
}

type stubDelegator struct {
	mu    sync.Mutex
	calls []fallback.Request
	out   ruleengine.Outcome
	err   error
}

func (d *stubDelegator) Delegate(_ context.Context, req fallback.Request) (ruleengine.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	return d.out, d.err
}

func (d *stubDelegator) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newStore(t *testing.T, p *testsupport.Payload) *specstore.Store {
	t.Helper()
	res, err := specstore.Parse(p.JSON(t), specstore.SourceNetwork, time.Now())
	require.NoError(t, err)
	s := specstore.New()
	require.NoError(t, s.Install(res.Snapshot))
	return s
}

func testPayload() *testsupport.Payload {
	serverOnly := ruleengine.Spec{Name: "server_gate", Enabled: true, FetchFromServer: true}
	serverConfig := ruleengine.Spec{Name: "server_config", Enabled: true, FetchFromServer: true, DefaultValue: json.RawMessage(`{"limit":5}`)}
	disabled := testsupport.CountryGate("kill_switch", "US")
	disabled.Enabled = false

	return testsupport.NewPayload(100).
		WithGate(testsupport.CountryGate("new_ui", "US")).
		WithGate(serverOnly).
		WithGate(disabled).
		WithConfig(testsupport.PublicConfig("theme", `{"color":"gold"}`)).
		WithConfig(serverConfig)
}

func TestEvaluator_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		req        Request
		wantPass   bool
		wantReason Reason
		wantRuleID string
		wantValue  string
	}{
		{
			name:       "US user passes new_ui",
			req:        Request{Kind: ruleengine.KindGate, Name: "new_ui", User: &ruleengine.User{UserID: "u1", Country: "US"}},
			wantPass:   true,
			wantReason: ReasonRuleMatched,
			wantRuleID: "new_ui-US",
			wantValue:  "true",
		},
		{
			name:       "Non-US user gets the default",
			req:        Request{Kind: ruleengine.KindGate, Name: "new_ui", User: &ruleengine.User{UserID: "u2", Country: "BR"}},
			wantReason: ReasonDefault,
			wantValue:  "false",
		},
		{
			name:       "Disabled gates report disabled",
			req:        Request{Kind: ruleengine.KindGate, Name: "kill_switch", User: &ruleengine.User{Country: "US"}},
			wantReason: ReasonDisabled,
			wantValue:  "false",
		},
		{
			name:       "Configs return the rule value",
			req:        Request{Kind: ruleengine.KindDynamicConfig, Name: "theme", User: &ruleengine.User{UserID: "u1"}},
			wantPass:   true,
			wantReason: ReasonRuleMatched,
			wantRuleID: "theme-all",
			wantValue:  `{"color":"gold"}`,
		},
		{
			name:       "Experiment checks may read dynamic configs",
			req:        Request{Kind: ruleengine.KindExperiment, Name: "theme", User: &ruleengine.User{UserID: "u1"}},
			wantPass:   true,
			wantReason: ReasonRuleMatched,
			wantRuleID: "theme-all",
			wantValue:  `{"color":"gold"}`,
		},
		{
			name:       "A gate name asked as a config is unrecognized",
			req:        Request{Kind: ruleengine.KindDynamicConfig, Name: "new_ui", User: &ruleengine.User{Country: "US"}},
			wantReason: ReasonUnrecognizedSpec,
		},
		{
			name:       "Unknown names fail closed",
			req:        Request{Kind: ruleengine.KindGate, Name: "does_not_exist", User: &ruleengine.User{UserID: "u1"}},
			wantReason: ReasonUnrecognizedSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			rec := &sliceRecorder{}
			del := &stubDelegator{}
			ev := New(logger.Discard(), Config{}, newStore(t, testPayload()), rec, del)

			// Act
			res := ev.Check(context.Background(), tt.req)

			// Assert
			assert.Equal(t, tt.wantPass, res.Pass)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantRuleID, res.RuleID)
			assert.Equal(t, tt.wantValue, string(res.Value))
			assert.Equal(t, int64(100), res.UpdateTime)
			assert.Zero(t, del.callCount(), "local decisions never reach the network")

			events := rec.all()
			require.Len(t, events, 1)
			assert.Equal(t, tt.req.Name, events[0].SpecName)
			assert.Equal(t, string(tt.wantReason), events[0].Reason)
		})
	}
}

func TestEvaluator_Check_UnrecognizedPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     Policy
		kind       ruleengine.Kind
		delegator  *stubDelegator
		wantPass   bool
		wantValue  string
		wantReason Reason
		wantCalls  int
		wantEvents int
	}{
		{
			name:       "fail_closed gate",
			policy:     PolicyFailClosed,
			kind:       ruleengine.KindGate,
			delegator:  &stubDelegator{},
			wantReason: ReasonUnrecognizedSpec,
			wantEvents: 1,
		},
		{
			name:       "fail_open gate",
			policy:     PolicyFailOpen,
			kind:       ruleengine.KindGate,
			delegator:  &stubDelegator{},
			wantPass:   true,
			wantValue:  "true",
			wantReason: ReasonUnrecognizedSpec,
			wantEvents: 1,
		},
		{
			name:       "fail_open config stays empty",
			policy:     PolicyFailOpen,
			kind:       ruleengine.KindDynamicConfig,
			delegator:  &stubDelegator{},
			wantReason: ReasonUnrecognizedSpec,
			wantEvents: 1,
		},
		{
			name:       "delegate success uses the server result",
			policy:     PolicyDelegate,
			kind:       ruleengine.KindGate,
			delegator:  &stubDelegator{out: ruleengine.Outcome{Pass: true, RuleID: "remote", Value: json.RawMessage(`true`)}},
			wantPass:   true,
			wantValue:  "true",
			wantReason: ReasonNetworkFallback,
			wantCalls:  1,
			wantEvents: 0, // the delegator logs its own exposure
		},
		{
			name:       "delegate failure keeps the name unrecognized",
			policy:     PolicyDelegate,
			kind:       ruleengine.KindGate,
			delegator:  &stubDelegator{err: errors.New("timeout")},
			wantReason: ReasonUnrecognizedSpec,
			wantCalls:  1,
			wantEvents: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &sliceRecorder{}
			ev := New(logger.Discard(), Config{Policy: tt.policy}, newStore(t, testPayload()), rec, tt.delegator)

			res := ev.Check(context.Background(), Request{Kind: tt.kind, Name: "unknown", User: &ruleengine.User{UserID: "u1"}})

			assert.Equal(t, tt.wantPass, res.Pass)
			assert.Equal(t, tt.wantValue, string(res.Value))
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantCalls, tt.delegator.callCount())
			assert.Len(t, rec.all(), tt.wantEvents)
		})
	}
}

func TestEvaluator_Check_ServerSideSpecs(t *testing.T) {
	t.Parallel()

	t.Run("Success returns the remote result", func(t *testing.T) {
		t.Parallel()

		del := &stubDelegator{out: ruleengine.Outcome{Value: json.RawMessage(`{"limit":50}`), RuleID: "r", Pass: true}}
		ev := New(logger.Discard(), Config{}, newStore(t, testPayload()), &sliceRecorder{}, del)

		res := ev.Check(context.Background(), Request{Kind: ruleengine.KindDynamicConfig, Name: "server_config", User: &ruleengine.User{UserID: "u1"}})

		assert.Equal(t, ReasonNetworkFallback, res.Reason)
		assert.JSONEq(t, `{"limit":50}`, string(res.Value))
		require.Equal(t, 1, del.callCount())
		assert.True(t, del.calls[0].LogExposure)
	})

	t.Run("Failure falls back to the config default", func(t *testing.T) {
		t.Parallel()

		del := &stubDelegator{err: errors.New("boom")}
		ev := New(logger.Discard(), Config{}, newStore(t, testPayload()), &sliceRecorder{}, del)

		res := ev.Check(context.Background(), Request{Kind: ruleengine.KindDynamicConfig, Name: "server_config"})

		assert.Equal(t, ReasonNetworkError, res.Reason)
		assert.JSONEq(t, `{"limit":5}`, string(res.Value))
	})

	t.Run("Failure fails gates closed", func(t *testing.T) {
		t.Parallel()

		del := &stubDelegator{err: errors.New("boom")}
		ev := New(logger.Discard(), Config{}, newStore(t, testPayload()), &sliceRecorder{}, del)

		res := ev.Check(context.Background(), Request{Kind: ruleengine.KindGate, Name: "server_gate"})

		assert.Equal(t, ReasonNetworkError, res.Reason)
		assert.False(t, res.Pass)
	})

	t.Run("Missing delegator is a network error", func(t *testing.T) {
		t.Parallel()

		ev := New(logger.Discard(), Config{}, newStore(t, testPayload()), nil, nil)

		res := ev.Check(context.Background(), Request{Kind: ruleengine.KindGate, Name: "server_gate"})

		assert.Equal(t, ReasonNetworkError, res.Reason)
		assert.False(t, res.Pass)
	})
}

func TestEvaluator_Check_Uninitialized(t *testing.T) {
	t.Parallel()

	ev := New(logger.Discard(), Config{}, specstore.New(), nil, nil)

	res := ev.Check(context.Background(), Request{Kind: ruleengine.KindGate, Name: "new_ui", User: &ruleengine.User{Country: "US"}})

	assert.False(t, res.Pass)
	assert.Equal(t, ReasonUninitialized, res.Reason)
	assert.Zero(t, res.UpdateTime)
}

func TestEvaluator_Check_DisableExposure(t *testing.T) {
	t.Parallel()

	// Arrange
	rec := &sliceRecorder{}
	ev := New(logger.Discard(), Config{}, newStore(t, testPayload()), rec, nil)
	user := &ruleengine.User{UserID: "u1", Country: "US"}

	// Act
	res := ev.Check(context.Background(), Request{Kind: ruleengine.KindGate, Name: "new_ui", User: user, DisableExposure: true})

	// Assert
	assert.True(t, res.Pass)
	assert.Empty(t, rec.all())

	ev.LogExposure(res, user)
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "true", events[0].Result)
	assert.Equal(t, "new_ui-US", events[0].RuleID)
}

func TestEvaluator_Check_EnvironmentTier(t *testing.T) {
	t.Parallel()

	// Arrange: a gate that only passes in staging.
	gate := ruleengine.Spec{
		Name:    "staging_only",
		Salt:    "s",
		Enabled: true,
		Rules: []ruleengine.Rule{{
			ID:             "staging",
			PassPercentage: 100,
			Conditions:     []ruleengine.Condition{testsupport.Condition("environment_field", "any", "tier", []string{"staging"})},
			ReturnValue:    json.RawMessage(`true`),
		}},
	}
	store := newStore(t, testsupport.NewPayload(1).WithGate(gate))
	ev := New(logger.Discard(), Config{EnvironmentTier: "staging"}, store, nil, nil)
	user := &ruleengine.User{UserID: "u1"}

	// Act
	tiered := ev.Check(context.Background(), Request{Kind: ruleengine.KindGate, Name: "staging_only", User: user})
	explicit := ev.Check(context.Background(), Request{Kind: ruleengine.KindGate, Name: "staging_only",
		User: &ruleengine.User{UserID: "u1", Environment: map[string]string{"tier": "production"}}})

	// Assert
	assert.True(t, tiered.Pass)
	assert.Nil(t, user.Environment, "caller's user must not be mutated")
	assert.False(t, explicit.Pass)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: PolicyFailClosed},
		{in: "fail_closed", want: PolicyFailClosed},
		{in: "FAIL-OPEN", want: PolicyFailOpen},
		{in: " delegate ", want: PolicyDelegate},
		{in: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), got.String())
		})
	}
}

func TestNew_PanicsOnNilStore(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { New(slog.Default(), Config{}, nil, nil, nil) })
}
