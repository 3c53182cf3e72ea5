// Package exposure buffers exposure events produced by evaluations and
// ships them to the events endpoint in batches.
//
// Logging is best-effort. Recording never blocks an evaluation: when the
// bounded queue is full an event is dropped according to the overflow
// policy and counted as lost. Failed batches are retried with backoff and
// dropped (and counted) once retries are exhausted.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/rafaeljc/heimdall-sdk/internal/observability"
)

const (
	DefaultCapacity        = 1000
	DefaultBatchSize       = 500
	DefaultFlushInterval   = 60 * time.Second
	DefaultFlushTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxRetries      = 3
)

var (
	// ErrQueueOverflow is returned by Record when an event was lost to a
	// full queue. Evaluations ignore it; it exists for callers that care.
	ErrQueueOverflow = errors.New("exposure queue overflow")

	// ErrClosed is returned by Record after shutdown began.
	ErrClosed = errors.New("exposure logger closed")
)

// OverflowPolicy decides which event is lost when the queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest OverflowPolicy = "drop_oldest"

	// DropNewest discards the incoming event.
	DropNewest OverflowPolicy = "drop_newest"
)

// ParseOverflowPolicy accepts "drop_oldest" and "drop_newest" (any case,
// dashes allowed).
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case DropOldest, "":
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Submitter delivers a batch to the events endpoint.
type Submitter interface {
	SubmitExposures(ctx context.Context, events []Event) error
}

// Deduper reports whether a key was seen within its window, remembering
// it otherwise. Forget releases a key whose event never made it into the
// queue.
type Deduper interface {
	SeenRecently(key uint64) bool
	Forget(key uint64)
}

// Config holds the configuration for the exposure Logger.
type Config struct {
	Capacity        int
	BatchSize       int
	FlushInterval   time.Duration
	FlushTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxRetries      int
	Overflow        OverflowPolicy

	// Backoff spaces the retries of one batch. It is reset before every
	// batch. Defaults to DefaultBackoff.
	Backoff backoff.BackOff

	// Deduper suppresses repeated exposures. Nil disables deduplication.
	Deduper Deduper

	Clock clockwork.Clock
}

// Logger is a bounded multi-producer, single-consumer exposure queue.
type Logger struct {
	logger    *slog.Logger
	config    Config
	submitter Submitter

	mu    sync.Mutex
	ring  []Event
	head  int
	count int

	lost    atomic.Int64
	closed  atomic.Bool
	flushMu sync.Mutex
	kick    chan struct{}
}

// New creates a new exposure Logger.
func New(logger *slog.Logger, cfg Config, submitter Submitter) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if submitter == nil {
		panic("exposure: submitter cannot be nil")
	}

	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > cfg.Capacity {
		cfg.BatchSize = cfg.Capacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Logger{
		logger:    logger,
		config:    cfg,
		submitter: submitter,
		ring:      make([]Event, cfg.Capacity),
		kick:      make(chan struct{}, 1),
	}
}

// Record enqueues e without blocking. It returns ErrQueueOverflow when an
// event was lost to make room (or e itself was discarded), and ErrClosed
// after shutdown started.
func (l *Logger) Record(e Event) error {
	if l.closed.Load() {
		l.drop("shutdown", 1)
		return ErrClosed
	}

	deduper := l.config.Deduper
	var key uint64
	if deduper != nil {
		key = e.DedupeKey()
		if deduper.SeenRecently(key) {
			observability.ExposuresDeduplicatedTotal.Inc()
			return nil
		}
	}

	l.mu.Lock()
	// shutdown flips closed under mu, so nothing lands in the ring after
	// its final drain.
	if l.closed.Load() {
		l.mu.Unlock()
		l.forget(key)
		l.drop("shutdown", 1)
		return ErrClosed
	}

	var (
		overflowed bool
		lostKey    = key
	)
	switch {
	case l.count < len(l.ring):
		l.ring[(l.head+l.count)%len(l.ring)] = e
		l.count++
	case l.config.Overflow == DropNewest:
		overflowed = true
	default:
		// Overwrite the oldest slot and advance the head.
		if deduper != nil {
			lostKey = l.ring[l.head].DedupeKey()
		}
		l.ring[l.head] = e
		l.head = (l.head + 1) % len(l.ring)
		overflowed = true
	}
	depth := l.count
	l.mu.Unlock()

	observability.ExposureQueueDepth.Set(float64(depth))
	// A batch size equal to the capacity disables the early flush: the
	// queue then holds exactly one interval's worth of events.
	if l.config.BatchSize < l.config.Capacity && depth >= l.config.BatchSize {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}

	if overflowed {
		// The lost event must not suppress a later identical exposure.
		l.forget(lostKey)
		l.drop("overflow", 1)
		if l.config.Overflow == DropOldest {
			observability.ExposuresEnqueuedTotal.Inc()
		}
		return ErrQueueOverflow
	}
	observability.ExposuresEnqueuedTotal.Inc()
	return nil
}

func (l *Logger) forget(key uint64) {
	if l.config.Deduper != nil {
		l.config.Deduper.Forget(key)
	}
}

// Lost returns the number of events dropped so far, for any cause.
func (l *Logger) Lost() int64 {
	return l.lost.Load()
}

// Pending returns the number of queued events.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Run is the flush loop. It flushes every FlushInterval and whenever the
// queue reaches BatchSize. On cancellation it stops accepting events and
// makes one final flush bounded by ShutdownTimeout.
func (l *Logger) Run(ctx context.Context) error {
	l.logger.Info("starting exposure logger",
		slog.String("flush_interval", l.config.FlushInterval.String()),
		slog.Int("capacity", l.config.Capacity),
		slog.Int("batch_size", l.config.BatchSize),
	)

	ticker := l.config.Clock.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case <-ticker.Chan():
			l.flushAndLog(ctx, "interval")
		case <-l.kick:
			l.flushAndLog(ctx, "batch_size")
		}
	}
}

func (l *Logger) flushAndLog(ctx context.Context, trigger string) {
	if err := l.Flush(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("exposure flush failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Logger) shutdown() error {
	l.mu.Lock()
	l.closed.Store(true)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.config.ShutdownTimeout)
	defer cancel()

	err := l.Flush(ctx)
	if left := l.discardAll(); left > 0 {
		l.drop("shutdown", left)
		l.logger.Warn("exposures lost at shutdown", slog.Int("count", left))
	}

	l.logger.Info("exposure logger stopped", slog.Int64("lost_total", l.lost.Load()))
	if err != nil {
		return fmt.Errorf("final exposure flush: %w", err)
	}
	return nil
}

// Flush drains the queue batch by batch. Only one flush runs at a time.
// A batch whose delivery is interrupted by ctx is put back at the front of
// the queue so a later flush can retry it.
func (l *Logger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	var errs []error
	for {
		batch := l.take(l.config.BatchSize)
		if len(batch) == 0 {
			break
		}

		if err := l.submit(ctx, batch); err != nil {
			if ctx.Err() != nil {
				l.requeue(batch)
				errs = append(errs, err)
				break
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// submit delivers one batch, retrying with backoff. Batches that exhaust
// their retries or fail permanently are dropped and counted.
func (l *Logger) submit(ctx context.Context, batch []Event) error {
	l.config.Backoff.Reset()

	var (
		lastErr  error
		attempts int
		cause    = "retries_exhausted"
	)
	for {
		attempts++
		start := l.config.Clock.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, l.config.FlushTimeout)
		err := l.submitter.SubmitExposures(attemptCtx, batch)
		cancel()
		elapsed := l.config.Clock.Since(start).Seconds()

		if err == nil {
			observability.ExposureFlushDuration.WithLabelValues("success").Observe(elapsed)
			observability.ExposuresFlushedTotal.Add(float64(len(batch)))
			return nil
		}
		observability.ExposureFlushDuration.WithLabelValues("error").Observe(elapsed)
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanent(err) {
			cause = "rejected"
			break
		}
		if attempts > l.config.MaxRetries {
			break
		}

		wait := l.config.Backoff.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		l.logger.Debug("exposure batch submission failed",
			slog.Int("attempt", attempts),
			slog.Int("size", len(batch)),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.config.Clock.After(wait):
		}
	}

	l.drop(cause, len(batch))
	l.logger.Warn("dropping exposure batch",
		slog.Int("size", len(batch)),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("submit %d exposures: %w", len(batch), lastErr)
}

// take removes up to n events from the front of the queue.
func (l *Logger) take(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	n = min(n, l.count)
	if n == 0 {
		return nil
	}
	batch := make([]Event, n)
	for i := range batch {
		idx := (l.head + i) % len(l.ring)
		batch[i] = l.ring[idx]
		l.ring[idx] = Event{}
	}
	l.head = (l.head + n) % len(l.ring)
	l.count -= n
	observability.ExposureQueueDepth.Set(float64(l.count))
	return batch
}

// requeue puts batch back in front of the queued events. Whatever no
// longer fits is dropped according to the overflow policy.
func (l *Logger) requeue(batch []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queued := make([]Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		queued = append(queued, l.ring[(l.head+i)%len(l.ring)])
	}
	all := append(batch, queued...)

	var dropped int
	if over := len(all) - len(l.ring); over > 0 {
		dropped = over
		if l.config.Overflow == DropNewest {
			all = all[:len(l.ring)]
		} else {
			all = all[over:]
		}
	}

	for i := range l.ring {
		l.ring[i] = Event{}
	}
	copy(l.ring, all)
	l.head = 0
	l.count = len(all)

	if dropped > 0 {
		l.lost.Add(int64(dropped))
		observability.ExposuresDroppedTotal.WithLabelValues("overflow").Add(float64(dropped))
	}
}

func (l *Logger) discardAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.count
	for i := range l.ring {
		l.ring[i] = Event{}
	}
	l.head, l.count = 0, 0
	observability.ExposureQueueDepth.Set(0)
	return n
}

func (l *Logger) drop(cause string, n int) {
	l.lost.Add(int64(n))
	observability.ExposuresDroppedTotal.WithLabelValues(cause).Add(float64(n))
}
