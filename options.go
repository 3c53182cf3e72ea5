package heimdall

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rafaeljc/heimdall-sdk/internal/evaluator"
	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/syncer"
	"github.com/rafaeljc/heimdall-sdk/internal/transport"
)

// Defaults applied by New to zero-valued Options fields.
const (
	DefaultRefreshInterval = syncer.DefaultInterval
	DefaultInitTimeout     = syncer.DefaultInitTimeout
	DefaultHTTPTimeout     = transport.DefaultTimeout
	DefaultFallbackTimeout = 3 * time.Second
	DefaultFlushInterval   = exposure.DefaultFlushInterval
	DefaultQueueCapacity   = exposure.DefaultCapacity
	DefaultBatchSize       = exposure.DefaultBatchSize
	DefaultMaxFlushRetries = exposure.DefaultMaxRetries
	DefaultShutdownTimeout = exposure.DefaultShutdownTimeout
	DefaultDedupeCapacity  = 100_000
)

// Overflow policies for the exposure queue.
const (
	DropOldest = string(exposure.DropOldest)
	DropNewest = string(exposure.DropNewest)
)

// Policies for specs missing from the snapshot.
const (
	FailClosed = "fail_closed"
	FailOpen   = "fail_open"
	Delegate   = "delegate"
)

// Persister stores snapshot payloads between runs. LoadSnapshot returns
// (nil, nil) when nothing is stored.
type Persister = syncer.Persister

// Options configures a Client. The zero value of every field selects its
// default; only SDKKey is required.
type Options struct {
	SDKKey string

	// APIURL is the base URL for downloads and remote evaluation.
	APIURL string
	// EventsURL is the base URL for exposures. Defaults to APIURL.
	EventsURL string

	RefreshInterval time.Duration
	InitTimeout     time.Duration
	HTTPTimeout     time.Duration
	FallbackTimeout time.Duration

	FlushInterval time.Duration
	QueueCapacity int
	BatchSize     int
	// MaxFlushRetries bounds resubmissions of a failed batch. Zero selects
	// the default; a negative value disables retries.
	MaxFlushRetries int
	ShutdownTimeout time.Duration

	// OverflowPolicy is DropOldest (default) or DropNewest.
	OverflowPolicy string

	// UnrecognizedPolicy is FailClosed (default), FailOpen or Delegate.
	UnrecognizedPolicy string

	// DedupeWindow suppresses identical exposures seen within the window.
	// Zero disables deduplication.
	DedupeWindow   time.Duration
	DedupeCapacity int

	// BootstrapFile seeds the client before the first fetch and receives
	// every installed snapshot. WatchBootstrap reloads it on change.
	BootstrapFile  string
	WatchBootstrap bool

	// EnvironmentTier is applied to users that carry no tier.
	EnvironmentTier string

	// Persisters are consulted in order at startup after the bootstrap
	// file, and all receive every installed snapshot.
	Persisters []Persister

	// SDKVersion is reported to the server.
	SDKVersion string

	Logger *slog.Logger

	clock   clockwork.Clock
	backend backend
}

// resolved holds Options after defaulting and parsing.
type resolved struct {
	Options
	overflow     exposure.OverflowPolicy
	policy       evaluator.Policy
	flushRetries int
}

func (o Options) withDefaults() (resolved, error) {
	if o.backend == nil && strings.TrimSpace(o.SDKKey) == "" {
		return resolved{}, errors.New("heimdall: sdk key is required")
	}

	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = DefaultHTTPTimeout
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = DefaultFallbackTimeout
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > o.QueueCapacity {
		o.BatchSize = o.QueueCapacity
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.DedupeCapacity <= 0 {
		o.DedupeCapacity = DefaultDedupeCapacity
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.WatchBootstrap && o.BootstrapFile == "" {
		return resolved{}, errors.New("heimdall: WatchBootstrap requires BootstrapFile")
	}

	r := resolved{Options: o}

	switch {
	case o.MaxFlushRetries < 0:
		r.flushRetries = 0
	case o.MaxFlushRetries == 0:
		r.flushRetries = DefaultMaxFlushRetries
	default:
		r.flushRetries = o.MaxFlushRetries
	}

	var err error
	if r.overflow, err = exposure.ParseOverflowPolicy(o.OverflowPolicy); err != nil {
		return resolved{}, fmt.Errorf("heimdall: %w", err)
	}
	if r.policy, err = evaluator.ParsePolicy(o.UnrecognizedPolicy); err != nil {
		return resolved{}, fmt.Errorf("heimdall: %w", err)
	}
	return r, nil
}
