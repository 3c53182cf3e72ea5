package heimdall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rafaeljc/heimdall-sdk/internal/bootstrap"
	"github.com/rafaeljc/heimdall-sdk/internal/cache"
	"github.com/rafaeljc/heimdall-sdk/internal/evaluator"
	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/fallback"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
	"github.com/rafaeljc/heimdall-sdk/internal/specstore"
	"github.com/rafaeljc/heimdall-sdk/internal/syncer"
	"github.com/rafaeljc/heimdall-sdk/internal/transport"
)

// User is the evaluation context passed to every check.
type User = ruleengine.User

// SyncStatus is a point-in-time view of the background synchronizer.
type SyncStatus = syncer.Status

// Reason explains how an evaluation was produced.
type Reason = evaluator.Reason

const (
	ReasonRuleMatched      = evaluator.ReasonRuleMatched
	ReasonDefault          = evaluator.ReasonDefault
	ReasonDisabled         = evaluator.ReasonDisabled
	ReasonUnrecognizedSpec = evaluator.ReasonUnrecognizedSpec
	ReasonUninitialized    = evaluator.ReasonUninitialized
	ReasonNetworkFallback  = evaluator.ReasonNetworkFallback
	ReasonNetworkError     = evaluator.ReasonNetworkError
)

// backend is the network collaborator: downloads, exposure delivery and
// remote evaluation.
type backend interface {
	syncer.Fetcher
	exposure.Submitter
	fallback.Remote
}

// Evaluation carries the metadata shared by every check result.
type Evaluation struct {
	Name      string
	RuleID    string
	GroupName string
	Reason    Reason

	// UpdateTime is the version token of the snapshot used.
	UpdateTime int64

	result evaluator.Result
}

// FeatureGate is the result of a gate check.
type FeatureGate struct {
	Evaluation
	Value bool
}

// DynamicConfig is the result of a config check.
type DynamicConfig struct {
	Evaluation
	Value json.RawMessage
}

// Decode unmarshals the config value into v. A missing value leaves v
// untouched.
func (c DynamicConfig) Decode(v any) error {
	if len(c.Value) == 0 || string(c.Value) == "null" {
		return nil
	}
	return json.Unmarshal(c.Value, v)
}

// Get returns the raw value of one top-level key of an object config.
func (c DynamicConfig) Get(key string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Value, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[key]
	return v, ok
}

// Experiment is the result of an experiment check. GroupName is the
// assigned group; Value holds its parameters.
type Experiment struct {
	DynamicConfig
}

// CheckOption adjusts a single check.
type CheckOption func(*evaluator.Request)

// WithoutExposure suppresses the exposure event of a check. Use
// Client.LogExposure to record it later.
func WithoutExposure() CheckOption {
	return func(r *evaluator.Request) { r.DisableExposure = true }
}

// Client evaluates gates, experiments and dynamic configs locally against
// a snapshot kept fresh in the background. Create one with New, share it
// across goroutines and call Shutdown once on exit.
type Client struct {
	logger    *slog.Logger
	opts      resolved
	store     *specstore.Store
	syncer    *syncer.Service
	exposures *exposure.Logger
	delegator *fallback.Delegator
	evaluator *evaluator.Evaluator
	dedupe    *cache.DedupeCache

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	runErrs      []error
	shutdownOnce sync.Once
}

// New initializes a Client. It installs the first persisted snapshot it
// finds, then blocks on the initial fetch for at most InitTimeout (or
// until ctx ends). A failed initial fetch is not an error: the client
// serves the bootstrapped snapshot, or defaults per UnrecognizedPolicy,
// and keeps retrying in the background. Ready reports whether any
// snapshot is installed.
func New(ctx context.Context, opts Options) (*Client, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	log := o.Logger.With(slog.String("component", "heimdall"))

	be := o.backend
	if be == nil {
		tc, err := transport.New(transport.Config{
			SDKKey:     o.SDKKey,
			APIURL:     o.APIURL,
			EventsURL:  o.EventsURL,
			Timeout:    o.HTTPTimeout,
			SDKVersion: o.SDKVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("heimdall: %w", err)
		}
		be = tc
	}

	c := &Client{logger: log, opts: o, store: specstore.New()}

	var persisters []syncer.Persister
	var fileStore *bootstrap.FileStore
	if o.BootstrapFile != "" {
		if fileStore, err = bootstrap.NewFileStore(o.BootstrapFile); err != nil {
			return nil, fmt.Errorf("heimdall: %w", err)
		}
		persisters = append(persisters, fileStore)
	}
	persisters = append(persisters, o.Persisters...)

	c.syncer = syncer.New(log.With(slog.String("worker", "syncer")), syncer.Config{
		Interval:     o.RefreshInterval,
		InitTimeout:  o.InitTimeout,
		FetchTimeout: o.HTTPTimeout,
		Clock:        o.clock,
	}, be, c.store, persisters...)

	var deduper exposure.Deduper
	if o.DedupeWindow > 0 {
		if c.dedupe, err = cache.NewDedupeCache(o.DedupeCapacity, o.DedupeWindow); err != nil {
			return nil, fmt.Errorf("heimdall: %w", err)
		}
		deduper = c.dedupe
	}

	c.exposures = exposure.New(log.With(slog.String("worker", "exposures")), exposure.Config{
		Capacity:        o.QueueCapacity,
		BatchSize:       o.BatchSize,
		FlushInterval:   o.FlushInterval,
		FlushTimeout:    o.HTTPTimeout,
		ShutdownTimeout: o.ShutdownTimeout,
		MaxRetries:      o.flushRetries,
		Overflow:        o.overflow,
		Deduper:         deduper,
		Clock:           o.clock,
	}, be)

	c.delegator = fallback.New(log, fallback.Config{
		Timeout: o.FallbackTimeout,
		Clock:   o.clock,
	}, be, c.exposures)

	c.evaluator = evaluator.New(log, evaluator.Config{
		Policy:          o.policy,
		EnvironmentTier: o.EnvironmentTier,
		Clock:           o.clock,
	}, c.store, c.exposures, c.delegator)

	if c.syncer.Bootstrap(ctx) {
		log.Info("serving persisted snapshot until the first fetch completes",
			slog.Int64("update_time", c.store.Current().UpdateTime()))
	}

	if err := c.syncer.Initialize(ctx); err != nil {
		log.Warn("initial fetch failed; serving fallback values",
			slog.String("error", err.Error()),
			slog.Bool("ready", c.store.Initialized()),
		)
	}

	// Background work outlives the init context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.goRun(runCtx, "syncer", c.syncer.Run)
	c.goRun(runCtx, "exposures", c.exposures.Run)
	if o.WatchBootstrap {
		w := bootstrap.NewWatcher(log.With(slog.String("worker", "bootstrap")), fileStore, c.syncer, 0)
		c.goRun(runCtx, "bootstrap watcher", w.Run)
	}

	log.Info("client initialized",
		slog.Bool("ready", c.store.Initialized()),
		slog.String("unrecognized_policy", o.policy.String()),
		slog.String("overflow_policy", string(o.overflow)),
	)
	return c, nil
}

func (c *Client) goRun(ctx context.Context, name string, run func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := run(ctx); err != nil {
			c.mu.Lock()
			c.runErrs = append(c.runErrs, fmt.Errorf("%s: %w", name, err))
			c.mu.Unlock()
		}
	}()
}

func (c *Client) check(ctx context.Context, kind ruleengine.Kind, name string, u *User, opts []CheckOption) evaluator.Result {
	req := evaluator.Request{Kind: kind, Name: name, User: u}
	for _, opt := range opts {
		opt(&req)
	}
	return c.evaluator.Check(ctx, req)
}

// CheckGate reports whether u passes the gate. Unknown gates fail closed
// unless UnrecognizedPolicy says otherwise.
func (c *Client) CheckGate(ctx context.Context, name string, u *User, opts ...CheckOption) bool {
	return c.GetGate(ctx, name, u, opts...).Value
}

// GetGate is CheckGate with evaluation metadata.
func (c *Client) GetGate(ctx context.Context, name string, u *User, opts ...CheckOption) FeatureGate {
	res := c.check(ctx, ruleengine.KindGate, name, u, opts)
	return FeatureGate{Evaluation: evaluation(res), Value: res.Pass}
}

// GetConfig returns the dynamic config value for u.
func (c *Client) GetConfig(ctx context.Context, name string, u *User, opts ...CheckOption) DynamicConfig {
	res := c.check(ctx, ruleengine.KindDynamicConfig, name, u, opts)
	return DynamicConfig{Evaluation: evaluation(res), Value: res.Value}
}

// GetExperiment returns the experiment group assigned to u.
func (c *Client) GetExperiment(ctx context.Context, name string, u *User, opts ...CheckOption) Experiment {
	res := c.check(ctx, ruleengine.KindExperiment, name, u, opts)
	return Experiment{DynamicConfig{Evaluation: evaluation(res), Value: res.Value}}
}

// LogExposure records the exposure of a check made WithoutExposure.
func (c *Client) LogExposure(e Evaluation, u *User) {
	if e.Name == "" {
		return
	}
	c.evaluator.LogExposure(e.result, u)
}

// Ready reports whether a snapshot (fetched or persisted) is installed.
func (c *Client) Ready() bool {
	return c.store.Initialized()
}

// SyncState returns the synchronizer's status.
func (c *Client) SyncState() SyncStatus {
	return c.syncer.Status()
}

// HealthCheck returns nil once a snapshot is installed. It suits
// readiness probes.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.syncer.Check(ctx)
}

// LossCount returns how many exposures were dropped so far.
func (c *Client) LossCount() int64 {
	return c.exposures.Lost()
}

// Flush submits queued exposures now.
func (c *Client) Flush(ctx context.Context) error {
	return c.exposures.Flush(ctx)
}

// Shutdown stops the background workers and makes a final, bounded
// exposure flush. Checks keep working afterwards against the last
// snapshot, but their exposures are dropped. Only the first call has an
// effect.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("heimdall: shutdown: %w", ctx.Err())
			return
		}

		if c.dedupe != nil {
			c.dedupe.Close()
		}

		c.mu.Lock()
		runErrs := c.runErrs
		c.mu.Unlock()
		if len(runErrs) > 0 {
			err = errors.Join(runErrs...)
		}

		c.logger.Info("client stopped", slog.Int64("exposures_lost", c.exposures.Lost()))
	})
	return err
}

func evaluation(res evaluator.Result) Evaluation {
	return Evaluation{
		Name:       res.Name,
		RuleID:     res.RuleID,
		GroupName:  res.GroupName,
		Reason:     res.Reason,
		UpdateTime: res.UpdateTime,
		result:     res,
	}
}
