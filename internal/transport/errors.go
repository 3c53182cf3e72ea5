package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classification. Transient failures are worth retrying on the next
// cycle; permanent ones (bad key, bad request) are not.
var (
	ErrTransient   = errors.New("transient network error")
	ErrPermanent   = errors.New("permanent request failure")
	ErrInvalidURL  = errors.New("invalid url")
	ErrBadResponse = errors.New("malformed response body")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Temporary reports whether retrying may help. 5xx and the throttling or
// timing 4xx codes are temporary; other 4xx codes are not.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Is makes errors.Is(err, ErrTransient) and errors.Is(err, ErrPermanent)
// work on status errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Temporary()
	case ErrPermanent:
		return !e.Temporary()
	}
	return false
}
