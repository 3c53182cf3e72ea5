package ruleengine

import (
	"strconv"
	"strings"
	"time"
)

// Condition types understood by the engine.
const (
	ConditionPublic           = "public"
	ConditionPassGate         = "pass_gate"
	ConditionFailGate         = "fail_gate"
	ConditionIPBased          = "ip_based"
	ConditionUABased          = "ua_based"
	ConditionUserField        = "user_field"
	ConditionEnvironmentField = "environment_field"
	ConditionCurrentTime      = "current_time"
	ConditionUserBucket       = "user_bucket"
	ConditionUnitID           = "unit_id"
	ConditionSegment          = "segment"
)

// Env is the evaluation-instant state shared by all conditions of one call.
type Env struct {
	// Now is the evaluation instant; time conditions compare against it in UTC.
	Now time.Time

	// Lookup resolves nested gates and segments. May be nil.
	Lookup Lookup
}

// valueGetter extracts the left-hand side of a condition from the user.
type valueGetter func(c *Condition, u *User, env *Env) string

var valueGetters = map[string]valueGetter{
	ConditionPublic:   func(*Condition, *User, *Env) string { return "" },
	ConditionPassGate: func(*Condition, *User, *Env) string { return "" },
	ConditionFailGate: func(*Condition, *User, *Env) string { return "" },
	ConditionIPBased: func(c *Condition, u *User, _ *Env) string {
		return Field(u, c.Field)
	},
	ConditionUABased: func(c *Condition, u *User, _ *Env) string {
		return uaField(u, c.Field)
	},
	ConditionUserField: func(c *Condition, u *User, _ *Env) string {
		return Field(u, c.Field)
	},
	ConditionEnvironmentField: func(c *Condition, u *User, _ *Env) string {
		return environmentField(u, c.Field)
	},
	ConditionCurrentTime: func(_ *Condition, _ *User, env *Env) string {
		return strconv.FormatInt(env.Now.UnixMilli(), 10)
	},
	ConditionUserBucket: func(c *Condition, u *User, _ *Env) string {
		id := UnitID(u, c.IDType)
		if id == "" {
			return ""
		}
		return userBucket(c.compiled.target.bucketID, id)
	},
	ConditionUnitID: func(c *Condition, u *User, _ *Env) string {
		return UnitID(u, c.IDType)
	},
	ConditionSegment: func(c *Condition, u *User, _ *Env) string {
		return UnitID(u, c.IDType)
	},
}

func isGateCondition(conditionType string) bool {
	return strings.EqualFold(conditionType, ConditionPassGate) ||
		strings.EqualFold(conditionType, ConditionFailGate)
}

// EvaluateCondition reports whether u satisfies c. It never fails: unknown
// types, unknown operators and malformed targets all yield false.
//
// Gate conditions need recursive spec evaluation and are resolved by
// Engine; called here they yield false.
func EvaluateCondition(c *Condition, u *User, env Env) bool {
	if c.compiled == nil {
		// Uncompiled conditions are compiled on a copy so the caller's
		// value is never written to.
		clone := *c
		_ = compileCondition(&clone)
		c = &clone
	}

	cc := c.compiled
	if cc.never {
		return false
	}

	switch strings.ToLower(c.Type) {
	case ConditionPublic:
		return true
	case ConditionPassGate, ConditionFailGate:
		return false
	}

	if env.Now.IsZero() {
		env.Now = time.Now()
	}
	value := cc.getter(c, u, &env)
	return cc.op(value, &cc.target, &env)
}
