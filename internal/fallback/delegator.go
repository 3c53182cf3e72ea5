// Package fallback asks the server to evaluate specs that the local
// snapshot cannot answer: names missing from the snapshot (under the
// delegate policy) and specs marked for server-side evaluation.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"

	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

// ExposureReason is attached to exposures of remotely evaluated specs.
const ExposureReason = "network_fallback"

// DefaultTimeout bounds one remote evaluation.
const DefaultTimeout = 3 * time.Second

var (
	// ErrNoRemote is returned when no transport is configured.
	ErrNoRemote = errors.New("fallback: no remote evaluator configured")

	// ErrCircuitOpen is returned while the breaker rejects requests.
	ErrCircuitOpen = errors.New("fallback: circuit open")
)

// Remote evaluates a spec on the server.
type Remote interface {
	Evaluate(ctx context.Context, kind ruleengine.Kind, name string, u *ruleengine.User) (ruleengine.Outcome, error)
}

// Recorder accepts exposure events. *exposure.Logger satisfies it.
type Recorder interface {
	Record(e exposure.Event) error
}

// Config holds the configuration for the Delegator.
type Config struct {
	Timeout time.Duration

	// FailureThreshold consecutive failures open the circuit for
	// RecoveryTimeout. Zero values take DefaultFailureThreshold and
	// DefaultRecoveryTimeout.
	FailureThreshold int
	RecoveryTimeout  time.Duration

	Clock clockwork.Clock
}

// Request describes one remote evaluation.
type Request struct {
	Kind ruleengine.Kind
	Name string
	User *ruleengine.User

	// LogExposure records a network_fallback exposure on success.
	LogExposure bool
}

// Delegator performs bounded remote evaluations.
type Delegator struct {
	logger   *slog.Logger
	remote   Remote
	recorder Recorder
	breaker  *gobreaker.CircuitBreaker[ruleengine.Outcome]
	clock    clockwork.Clock
	timeout  time.Duration
}

// New creates a Delegator. remote and recorder may be nil: without a
// remote every call fails with ErrNoRemote, without a recorder no
// exposures are emitted.
func New(logger *slog.Logger, cfg Config, remote Remote, recorder Recorder) *Delegator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Delegator{
		logger:   logger,
		remote:   remote,
		recorder: recorder,
		breaker:  newBreaker(logger, cfg.FailureThreshold, cfg.RecoveryTimeout),
		clock:    cfg.Clock,
		timeout:  cfg.Timeout,
	}
}

// Delegate evaluates req remotely. It returns within the configured
// timeout; on error the caller is expected to serve the safe default.
func (d *Delegator) Delegate(ctx context.Context, req Request) (ruleengine.Outcome, error) {
	if d.remote == nil {
		observability.FallbackRequestsTotal.WithLabelValues("unavailable").Inc()
		return ruleengine.Outcome{}, ErrNoRemote
	}

	out, err := d.breaker.Execute(func() (ruleengine.Outcome, error) {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.remote.Evaluate(callCtx, req.Kind, req.Name, req.User)
	})
	if isCircuitRejection(err) {
		observability.FallbackRequestsTotal.WithLabelValues("circuit_open").Inc()
		return ruleengine.Outcome{}, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		observability.FallbackRequestsTotal.WithLabelValues(outcome).Inc()

		d.logger.Warn("remote evaluation failed",
			slog.String("spec", req.Name),
			slog.String("kind", string(req.Kind)),
			slog.String("outcome", outcome),
			slog.String("circuit", d.breaker.State().String()),
			slog.String("error", err.Error()),
		)
		return ruleengine.Outcome{}, fmt.Errorf("remote evaluation of %q: %w", req.Name, err)
	}

	observability.FallbackRequestsTotal.WithLabelValues("success").Inc()

	if req.LogExposure && d.recorder != nil {
		event := exposure.NewEvent(exposure.Decision{
			SpecName:  req.Name,
			Kind:      req.Kind,
			Pass:      out.Pass,
			RuleID:    out.RuleID,
			GroupName: out.GroupName,
			Reason:    ExposureReason,
		}, req.User, d.clock.Now())
		// Overflow is counted by the logger itself.
		_ = d.recorder.Record(event)
	}

	return out, nil
}

// CircuitState exposes the breaker state for health reporting.
func (d *Delegator) CircuitState() gobreaker.State {
	return d.breaker.State()
}
