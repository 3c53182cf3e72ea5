// Package evaluator answers gate, experiment and config checks from the
// current snapshot and emits one exposure per decision.
package evaluator

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/fallback"
	"github.com/rafaeljc/heimdall-sdk/internal/observability"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
	"github.com/rafaeljc/heimdall-sdk/internal/specstore"
)

// SnapshotSource returns the snapshot to evaluate against.
// *specstore.Store satisfies it.
type SnapshotSource interface {
	Current() *specstore.Snapshot
}

// Recorder accepts exposure events. *exposure.Logger satisfies it.
type Recorder interface {
	Record(e exposure.Event) error
}

// Delegator evaluates specs remotely. *fallback.Delegator satisfies it.
type Delegator interface {
	Delegate(ctx context.Context, req fallback.Request) (ruleengine.Outcome, error)
}

// Config holds the configuration for the Evaluator.
type Config struct {
	// Policy applies to names missing from the snapshot.
	Policy Policy

	// EnvironmentTier is set as environment.tier on users lacking one.
	EnvironmentTier string

	Clock clockwork.Clock
}

// Request is one check.
type Request struct {
	Kind ruleengine.Kind
	Name string
	User *ruleengine.User

	// DisableExposure suppresses the exposure event for this call.
	DisableExposure bool
}

// Evaluator is safe for concurrent use.
type Evaluator struct {
	logger    *slog.Logger
	engine    *ruleengine.Engine
	store     SnapshotSource
	recorder  Recorder
	delegator Delegator
	config    Config
}

// New creates an Evaluator. recorder and delegator may be nil.
func New(logger *slog.Logger, cfg Config, store SnapshotSource, recorder Recorder, delegator Delegator) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		panic("evaluator: snapshot source cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Evaluator{
		logger:    logger,
		engine:    ruleengine.New(logger),
		store:     store,
		recorder:  recorder,
		delegator: delegator,
		config:    cfg,
	}
}

// Check evaluates req. It never fails: errors resolve to safe defaults
// and are reflected in Result.Reason. It blocks on the network only when
// the fallback delegator is involved.
func (e *Evaluator) Check(ctx context.Context, req Request) Result {
	start := time.Now()

	// One snapshot for the whole call, nested gates included.
	snap := e.store.Current()
	user := e.withEnvironment(req.User)

	res := Result{Name: req.Name, Kind: req.Kind, UpdateTime: snap.UpdateTime()}

	spec, ok := snap.Spec(req.Name)
	if ok && !kindMatches(req.Kind, spec.Kind()) {
		ok = false
	}

	logExposure := !req.DisableExposure

	switch {
	case !ok:
		logExposure = e.unrecognized(ctx, req, user, snap, &res) && logExposure

	default:
		out := e.engine.Evaluate(spec, user, ruleengine.Env{Now: e.config.Clock.Now(), Lookup: snap})
		if out.FetchFromServer {
			logExposure = e.delegate(ctx, req, user, safeDefault(req.Kind, spec), ReasonNetworkError, &res) && logExposure
			break
		}
		applyOutcome(&res, out)
		switch {
		case out.Disabled:
			res.Reason = ReasonDisabled
		case out.Matched:
			res.Reason = ReasonRuleMatched
		default:
			res.Reason = ReasonDefault
		}
	}

	if logExposure {
		e.LogExposure(res, user)
	}

	observability.EvaluationsTotal.WithLabelValues(string(req.Kind), string(res.Reason)).Inc()
	observability.EvaluationDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())

	return res
}

// LogExposure records the exposure for a result obtained with exposure
// logging disabled.
func (e *Evaluator) LogExposure(res Result, u *ruleengine.User) {
	if e.recorder == nil {
		return
	}
	event := exposure.NewEvent(exposure.Decision{
		SpecName:           res.Name,
		Kind:               res.Kind,
		Pass:               res.Pass,
		RuleID:             res.RuleID,
		GroupName:          res.GroupName,
		Reason:             string(res.Reason),
		SecondaryExposures: res.SecondaryExposures,
	}, u, e.config.Clock.Now())
	// Overflow is counted by the logger and never reaches the caller.
	_ = e.recorder.Record(event)
}

// unrecognized resolves a name missing from the snapshot per policy. It
// reports whether the caller still has to log the exposure.
func (e *Evaluator) unrecognized(ctx context.Context, req Request, u *ruleengine.User, snap *specstore.Snapshot, res *Result) bool {
	reason := ReasonUnrecognizedSpec
	if snap.IsEmpty() {
		reason = ReasonUninitialized
	}

	switch e.config.Policy {
	case PolicyDelegate:
		// The name stays unrecognized when the server cannot answer.
		return e.delegate(ctx, req, u, ruleengine.Outcome{}, reason, res)
	case PolicyFailOpen:
		res.Pass = req.Kind == ruleengine.KindGate
		if res.Pass {
			res.Value = json.RawMessage(`true`)
		}
	default:
		res.Pass = false
	}

	res.Reason = reason
	e.logger.Debug("unrecognized spec",
		slog.String("spec", req.Name),
		slog.String("kind", string(req.Kind)),
		slog.String("policy", e.config.Policy.String()),
	)
	return true
}

// delegate fills res from a remote evaluation, or from def with
// failReason when the remote fails. A successful remote call logs its own
// exposure.
func (e *Evaluator) delegate(ctx context.Context, req Request, u *ruleengine.User, def ruleengine.Outcome, failReason Reason, res *Result) bool {
	if e.delegator == nil {
		applyOutcome(res, def)
		res.Reason = failReason
		return true
	}

	out, err := e.delegator.Delegate(ctx, fallback.Request{
		Kind:        req.Kind,
		Name:        req.Name,
		User:        u,
		LogExposure: !req.DisableExposure,
	})
	if err != nil {
		applyOutcome(res, def)
		res.Reason = failReason
		return true
	}

	applyOutcome(res, out)
	res.Reason = ReasonNetworkFallback
	return false
}

func (e *Evaluator) withEnvironment(u *ruleengine.User) *ruleengine.User {
	if u == nil {
		u = &ruleengine.User{}
	}
	if e.config.EnvironmentTier == "" || u.Environment["tier"] != "" {
		return u
	}

	// Copy so the caller's user is never mutated.
	cp := *u
	cp.Environment = maps.Clone(u.Environment)
	if cp.Environment == nil {
		cp.Environment = map[string]string{}
	}
	cp.Environment["tier"] = e.config.EnvironmentTier
	return &cp
}

func applyOutcome(res *Result, out ruleengine.Outcome) {
	res.Pass = out.Pass
	res.Value = out.Value
	res.RuleID = out.RuleID
	res.GroupName = out.GroupName
	res.SecondaryExposures = out.SecondaryExposures
}

// safeDefault is the result served when a server-side spec cannot be
// reached: false for gates, the documented default for configs.
func safeDefault(kind ruleengine.Kind, spec *ruleengine.Spec) ruleengine.Outcome {
	if kind == ruleengine.KindGate {
		return ruleengine.Outcome{Pass: false}
	}
	return ruleengine.Outcome{Value: spec.DefaultValue}
}

// kindMatches reports whether a spec of kind actual may answer a request
// for kind want. Gates only answer gate checks; configs and experiments
// share a delivery list and answer each other's checks.
func kindMatches(want, actual ruleengine.Kind) bool {
	if want == ruleengine.KindGate || actual == ruleengine.KindGate {
		return want == actual
	}
	return true
}
