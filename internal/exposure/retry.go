package exposure

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultBackoff starts at one second and doubles up to thirty, with 10%
// jitter.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}

// isPermanent reports whether the submitter marked err with
// backoff.Permanent, as it does for a 401 from the events endpoint.
func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
