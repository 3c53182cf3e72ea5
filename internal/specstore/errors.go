package specstore

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedSnapshot is matched by every MalformedSnapshotError.
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrStaleSnapshot is returned by Install when the candidate is older
	// than the installed snapshot.
	ErrStaleSnapshot = errors.New("snapshot is older than the installed one")
)

// MalformedSnapshotError reports a payload that was rejected wholesale.
type MalformedSnapshotError struct {
	Reason string
	Err    error
}

func (e *MalformedSnapshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed snapshot: %s: %v", e.Reason, e.Err)
	}
	return "malformed snapshot: " + e.Reason
}

func (e *MalformedSnapshotError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedSnapshot) hold for any instance.
func (e *MalformedSnapshotError) Is(target error) bool { return target == ErrMalformedSnapshot }

func malformed(reason string, err error) error {
	return &MalformedSnapshotError{Reason: reason, Err: err}
}
