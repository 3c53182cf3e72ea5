package specstore

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the current snapshot.
//
// Reads are a single atomic load and never block. Writes replace the
// pointer under a mutex so two installers cannot interleave their
// staleness check and swap.
type Store struct {
	current     atomic.Pointer[Snapshot]
	mu          sync.Mutex
	initialized atomic.Bool
}

// New returns a Store serving the empty snapshot.
func New() *Store {
	s := &Store{}
	s.current.Store(Empty())
	return s
}

// Current returns the latest installed snapshot, or the empty snapshot
// before the first install. Callers must use the returned value for the
// whole evaluation.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Install atomically replaces the current snapshot. A snapshot older than
// the installed one is refused with ErrStaleSnapshot.
func (s *Store) Install(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("install: %w", malformed("nil snapshot", nil))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current.Load(); snap.updateTime < cur.updateTime {
		return fmt.Errorf("install snapshot %d over %d: %w", snap.updateTime, cur.updateTime, ErrStaleSnapshot)
	}

	s.current.Store(snap)
	s.initialized.Store(true)
	return nil
}

// Initialized reports whether any snapshot has been installed.
func (s *Store) Initialized() bool {
	return s.initialized.Load()
}
