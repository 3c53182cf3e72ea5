// Package syncer implements the background worker that keeps the local
// spec snapshot in step with the configuration authority.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rafaeljc/heimdall-sdk/internal/observability"
	"github.com/rafaeljc/heimdall-sdk/internal/specstore"
)

const (
	// DefaultInterval is the polling period between fetches.
	DefaultInterval = 10 * time.Second

	// DefaultInitTimeout bounds the blocking initial fetch.
	DefaultInitTimeout = 3 * time.Second

	// DefaultFetchTimeout bounds every background fetch.
	DefaultFetchTimeout = 3 * time.Second
)

// ErrSyncInProgress is returned when a fetch is requested while another
// one is still running. The request is dropped, not queued.
var ErrSyncInProgress = errors.New("syncer: fetch already in flight")

// Fetcher downloads config payloads from the authority.
type Fetcher interface {
	// FetchSpecs returns the payload for changes since sinceTime (0 for a
	// full download). It must honor ctx cancellation.
	FetchSpecs(ctx context.Context, sinceTime int64) ([]byte, error)
}

// Persister stores installed payloads for faster future startups.
type Persister interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// LoadSnapshot returns the last saved payload, or (nil, nil) if none.
	LoadSnapshot(ctx context.Context) ([]byte, error)

	// SaveSnapshot records payload with its version token.
	SaveSnapshot(ctx context.Context, payload []byte, updateTime int64) error
}

// Config holds the configuration for the Syncer service.
type Config struct {
	// Interval is the duration between sync cycles (polling).
	Interval time.Duration

	// InitTimeout bounds Initialize.
	InitTimeout time.Duration

	// FetchTimeout bounds each background fetch.
	FetchTimeout time.Duration

	// Clock drives the polling ticker. Defaults to the real clock.
	Clock clockwork.Clock
}

// Status is a point-in-time view of the synchronizer.
type Status struct {
	State               State
	ConsecutiveFailures int64
	LastSuccess         time.Time
	LastError           string
	UpdateTime          int64
}

// Service orchestrates the synchronization process.
type Service struct {
	logger     *slog.Logger
	config     Config
	fetcher    Fetcher
	store      *specstore.Store
	persisters []Persister

	state    atomic.Int32
	inFlight atomic.Bool
	failures atomic.Int64

	mu          sync.Mutex
	lastSuccess time.Time
	lastErr     error
}

// New creates a new Syncer service.
func New(logger *slog.Logger, cfg Config, fetcher Fetcher, store *specstore.Store, persisters ...Persister) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	if fetcher == nil {
		panic("syncer: fetcher cannot be nil")
	}
	if store == nil {
		panic("syncer: spec store cannot be nil")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Service{
		logger:     logger,
		config:     cfg,
		fetcher:    fetcher,
		store:      store,
		persisters: persisters,
	}
}

// State returns the current state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Status returns a snapshot of the synchronizer's health.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:               s.State(),
		ConsecutiveFailures: s.failures.Load(),
		LastSuccess:         s.lastSuccess,
		UpdateTime:          s.store.Current().UpdateTime(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Bootstrap installs the first readable payload offered by the
// persisters. It is best-effort: failures are logged and the next
// persister is tried. It returns true if a snapshot was installed.
func (s *Service) Bootstrap(ctx context.Context) bool {
	for _, p := range s.persisters {
		payload, err := p.LoadSnapshot(ctx)
		if err != nil {
			observability.PersistenceOpsTotal.WithLabelValues(p.Name(), "load", "error").Inc()
			s.logger.Warn("failed to load persisted snapshot",
				slog.String("backend", p.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if payload == nil {
			observability.PersistenceOpsTotal.WithLabelValues(p.Name(), "load", "miss").Inc()
			continue
		}
		observability.PersistenceOpsTotal.WithLabelValues(p.Name(), "load", "hit").Inc()

		if err := s.InstallPayload(payload, specstore.SourcePersisted); err != nil {
			s.logger.Warn("discarding persisted snapshot",
				slog.String("backend", p.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		return true
	}
	return false
}

// InstallPayload parses payload and installs it without contacting the
// network. It is used for bootstrap files and persisted snapshots.
func (s *Service) InstallPayload(payload []byte, source specstore.Source) error {
	res, err := specstore.Parse(payload, source, s.config.Clock.Now())
	if err != nil {
		return err
	}
	if !res.HasUpdates {
		return nil
	}
	s.logWarnings(res.Warnings)

	if err := s.store.Install(res.Snapshot); err != nil {
		return err
	}

	observability.SnapshotInstallsTotal.WithLabelValues(string(source)).Inc()
	observability.SnapshotUpdateTime.Set(float64(res.Snapshot.UpdateTime()))
	s.logger.Info("snapshot installed",
		slog.String("source", string(source)),
		slog.Int64("update_time", res.Snapshot.UpdateTime()),
		slog.Int("specs", res.Snapshot.Len()),
	)
	return nil
}

// Initialize performs the blocking initial fetch, bounded by InitTimeout.
// On failure the store keeps whatever it served before (empty or
// bootstrapped) and the error is returned for the caller's policy.
func (s *Service) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.InitTimeout)
	defer cancel()

	if err := s.SyncOnce(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	return nil
}

// Run starts the syncer loop. It blocks until the context is cancelled.
// Initialize is expected to have run before; Run only polls.
//
// Fetches run on this goroutine, so a slow fetch absorbs the ticks that
// elapse meanwhile instead of stacking up.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service", slog.String("interval", s.config.Interval.String()))

	ticker := s.config.Clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping...")
			return nil
		case <-ticker.Chan():
			fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
			err := s.SyncOnce(fetchCtx)
			cancel()

			if err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
				// We log the error but don't stop the worker.
				// Retry on next tick.
				s.logger.Error("sync cycle failed",
					slog.String("error", err.Error()),
					slog.Int64("consecutive_failures", s.failures.Load()),
				)
			}
		}
	}
}

// SyncOnce performs a single synchronization cycle. Only one cycle runs at
// a time; a concurrent call returns ErrSyncInProgress immediately.
func (s *Service) SyncOnce(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		observability.SyncFetchesTotal.WithLabelValues("skipped").Inc()
		return ErrSyncInProgress
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	s.setState(StateSyncing)

	// 1. Fetch relative to the installed version token.
	since := s.store.Current().UpdateTime()
	payload, err := s.fetcher.FetchSpecs(ctx, since)
	if err != nil {
		s.recordFailure("failed", err)
		return fmt.Errorf("fetch specs: %w", err)
	}

	// 2. Parse as a whole; a malformed payload never touches the store.
	res, err := specstore.Parse(payload, specstore.SourceNetwork, s.config.Clock.Now())
	if err != nil {
		s.logger.Error("rejected malformed snapshot", slog.String("error", err.Error()))
		s.recordFailure("malformed", err)
		return err
	}

	if !res.HasUpdates {
		s.recordSuccess("unchanged", start)
		return nil
	}
	s.logWarnings(res.Warnings)

	// 3. Swap.
	if err := s.store.Install(res.Snapshot); err != nil {
		if errors.Is(err, specstore.ErrStaleSnapshot) {
			s.logger.Warn("ignoring stale snapshot", slog.String("error", err.Error()))
			s.recordSuccess("unchanged", start)
			return nil
		}
		s.recordFailure("failed", err)
		return err
	}

	observability.SnapshotInstallsTotal.WithLabelValues(string(specstore.SourceNetwork)).Inc()
	observability.SnapshotUpdateTime.Set(float64(res.Snapshot.UpdateTime()))

	// 4. Persist for the next startup.
	s.persist(ctx, payload, res.Snapshot.UpdateTime())

	s.recordSuccess("updated", start)
	s.logger.Info("sync cycle completed",
		slog.Int64("update_time", res.Snapshot.UpdateTime()),
		slog.Int("specs", res.Snapshot.Len()),
		slog.String("duration", time.Since(start).String()),
	)
	return nil
}

// Name implements observability.Checker.
func (s *Service) Name() string { return "syncer" }

// Check implements observability.Checker: the client is ready once any
// snapshot has been installed, even if later fetches fail.
func (s *Service) Check(_ context.Context) error {
	if !s.store.Initialized() {
		return fmt.Errorf("no snapshot installed (state %s)", s.State())
	}
	return nil
}

func (s *Service) persist(ctx context.Context, payload []byte, updateTime int64) {
	for _, p := range s.persisters {
		if err := p.SaveSnapshot(ctx, payload, updateTime); err != nil {
			observability.PersistenceOpsTotal.WithLabelValues(p.Name(), "save", "error").Inc()
			s.logger.Warn("failed to persist snapshot",
				slog.String("backend", p.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		observability.PersistenceOpsTotal.WithLabelValues(p.Name(), "save", "success").Inc()
	}
}

func (s *Service) recordSuccess(status string, start time.Time) {
	s.failures.Store(0)
	s.setState(StateReady)

	s.mu.Lock()
	s.lastSuccess = s.config.Clock.Now()
	s.lastErr = nil
	s.mu.Unlock()

	observability.SyncFetchesTotal.WithLabelValues(status).Inc()
	observability.SyncFetchDuration.Observe(time.Since(start).Seconds())
	observability.SyncConsecutiveFailures.Set(0)
}

func (s *Service) recordFailure(status string, err error) {
	n := s.failures.Add(1)
	s.setState(StateFailing)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	observability.SyncFetchesTotal.WithLabelValues(status).Inc()
	observability.SyncConsecutiveFailures.Set(float64(n))
}

func (s *Service) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next && next != StateSyncing {
		s.logger.Debug("syncer state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
}

func (s *Service) logWarnings(warnings []error) {
	for _, w := range warnings {
		s.logger.Warn("condition compiled to always false", slog.String("reason", w.Error()))
	}
}
