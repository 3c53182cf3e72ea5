package ruleengine

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// MaxGateDepth bounds pass_gate/fail_gate chains. Deeper (or cyclic)
// references evaluate to false.
const MaxGateDepth = 10

// Outcome is the result of evaluating one spec.
type Outcome struct {
	// Pass is the gate result. For configs it reports whether a rule hit.
	Pass bool

	// Matched is true when a rule hit (as opposed to the default applying).
	Matched bool

	// Disabled is true when the spec is switched off.
	Disabled bool

	// FetchFromServer is true when the spec can only be evaluated remotely.
	FetchFromServer bool

	RuleID    string
	GroupName string

	// Value is the rule's return value, or the spec default.
	Value json.RawMessage

	SecondaryExposures []SecondaryExposure
}

// Engine evaluates specs. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	logger *slog.Logger
}

// New creates a new Engine. If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Evaluate runs spec against u.
//
// Rules are tried in stored order. A rule hits when all of its conditions
// hold AND the user's bucket is inside its pass percentage; a rule whose
// conditions hold but whose rollout excludes the user does not stop the
// scan. When every rule is exhausted the spec default applies.
func (e *Engine) Evaluate(spec *Spec, u *User, env Env) Outcome {
	return e.evaluate(spec, u, env, 0)
}

func (e *Engine) evaluate(spec *Spec, u *User, env Env, depth int) Outcome {
	if spec.FetchFromServer {
		return Outcome{FetchFromServer: true}
	}

	if !spec.Enabled {
		return Outcome{
			Pass:     false,
			Disabled: true,
			Value:    spec.DefaultValue,
		}
	}

	rule, secondary := e.match(spec, u, env, depth)
	if rule == nil {
		return Outcome{
			Pass:               spec.DefaultPass(),
			Value:              spec.DefaultValue,
			SecondaryExposures: secondary,
		}
	}

	return Outcome{
		Pass:               rule.passValue(),
		Matched:            true,
		RuleID:             rule.ID,
		GroupName:          rule.GroupName,
		Value:              rule.ReturnValue,
		SecondaryExposures: secondary,
	}
}

// Match returns the first rule of spec that hits for u, together with the
// secondary exposures collected on the way. It returns nil when no rule hits.
func (e *Engine) Match(spec *Spec, u *User, env Env) (*Rule, []SecondaryExposure) {
	return e.match(spec, u, env, 0)
}

func (e *Engine) match(spec *Spec, u *User, env Env, depth int) (*Rule, []SecondaryExposure) {
	var secondary []SecondaryExposure

	for i := range spec.Rules {
		rule := &spec.Rules[i]

		ok, exposures := e.conditionsHold(rule, u, env, depth)
		secondary = append(secondary, exposures...)
		if !ok {
			continue
		}

		idType := rule.IDType
		if idType == "" {
			idType = spec.IDType
		}
		if PassesPercentage(spec.Salt, rule.AllocationID(), UnitID(u, idType), rule.PassPercentage) {
			return rule, secondary
		}
	}

	return nil, secondary
}

// conditionsHold is the AND of a rule's conditions; it stops at the first
// failing condition.
func (e *Engine) conditionsHold(rule *Rule, u *User, env Env, depth int) (bool, []SecondaryExposure) {
	var secondary []SecondaryExposure

	for i := range rule.Conditions {
		c := &rule.Conditions[i]

		if isGateCondition(c.Type) {
			pass, exposures := e.evaluateGateCondition(c, u, env, depth)
			secondary = append(secondary, exposures...)
			if !pass {
				return false, secondary
			}
			continue
		}

		if !EvaluateCondition(c, u, env) {
			return false, secondary
		}
	}

	return true, secondary
}

func (e *Engine) evaluateGateCondition(c *Condition, u *User, env Env, depth int) (bool, []SecondaryExposure) {
	var t target
	if c.compiled != nil {
		if c.compiled.never {
			return false, nil
		}
		t = c.compiled.target
	} else {
		parsed, err := parseTarget(c.TargetValue)
		if err != nil {
			return false, nil
		}
		t = parsed
	}
	if len(t.strs) == 0 {
		return false, nil
	}
	name := t.strs[0]

	if depth >= MaxGateDepth {
		e.logger.Warn("nested gate depth exceeded",
			"gate", name,
			"max_depth", MaxGateDepth,
		)
		return false, nil
	}

	var gatePass bool
	var exposures []SecondaryExposure
	var ruleID string

	if env.Lookup != nil {
		if dep, ok := env.Lookup.Spec(name); ok && dep.Kind() == KindGate {
			out := e.evaluate(dep, u, env, depth+1)
			gatePass = out.Pass && !out.FetchFromServer
			ruleID = out.RuleID
			exposures = append(exposures, out.SecondaryExposures...)
		}
	}

	exposures = append(exposures, SecondaryExposure{
		Gate:      name,
		GateValue: strconv.FormatBool(gatePass),
		RuleID:    ruleID,
	})

	if strings.EqualFold(c.Type, ConditionFailGate) {
		return !gatePass, exposures
	}
	return gatePass, exposures
}
