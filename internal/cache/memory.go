package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"
)

// DedupeCache remembers exposure keys for a fixed window. It backs the
// exposure logger's optional deduplication and is bounded in size so a
// burst of distinct users cannot grow it without limit.
type DedupeCache struct {
	store otter.Cache[uint64, struct{}]
}

// NewDedupeCache builds a cache holding at most capacity keys, each for
// window.
func NewDedupeCache(capacity int, window time.Duration) (*DedupeCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("dedupe capacity must be positive, got %d", capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("dedupe window must be positive, got %s", window)
	}

	store, err := otter.MustBuilder[uint64, struct{}](capacity).
		WithTTL(window).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build dedupe cache: %w", err)
	}

	return &DedupeCache{store: store}, nil
}

// SeenRecently reports whether key was recorded inside the window. The
// first call for a key records it and returns false.
func (c *DedupeCache) SeenRecently(key uint64) bool {
	return !c.store.SetIfAbsent(key, struct{}{})
}

// Forget releases key so its next sighting counts as new. The exposure
// logger calls it when the event that claimed key is lost.
func (c *DedupeCache) Forget(key uint64) {
	c.store.Delete(key)
}

// Len returns the number of remembered keys.
func (c *DedupeCache) Len() int {
	return c.store.Size()
}

// Close stops the cache's background cleanup.
func (c *DedupeCache) Close() {
	c.store.Close()
}
