package fallback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

const (
	// DefaultFailureThreshold consecutive failures open the circuit.
	DefaultFailureThreshold = 5

	// DefaultRecoveryTimeout is how long an open circuit rejects calls
	// before letting trial calls through.
	DefaultRecoveryTimeout = 30 * time.Second

	// halfOpenTrials successful trial calls close the circuit again.
	halfOpenTrials = 2
)

// newBreaker guards remote evaluations so a failing server does not add
// its timeout to every check on the caller's path.
func newBreaker(logger *slog.Logger, failureThreshold int, recoveryTimeout time.Duration) *gobreaker.CircuitBreaker[ruleengine.Outcome] {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	threshold := uint32(failureThreshold)

	return gobreaker.NewCircuitBreaker[ruleengine.Outcome](gobreaker.Settings{
		Name:        "remote_evaluation",
		MaxRequests: halfOpenTrials,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up is not a server failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

func isCircuitRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
