// Package ruleengine evaluates gates, experiments and dynamic configs
// against a user context.
//
// Targeting is expressed as ordered rules, each an AND of typed conditions
// plus a pass percentage. Condition types and operators form a closed set
// defined by the snapshot wire format: every type maps to one value getter
// and every operator to one comparison function. Anything outside the set
// evaluates to false so a single bad condition can never open a gate.
package ruleengine

import (
	"encoding/json"
	"strings"
)

// Kind classifies a spec.
type Kind string

const (
	KindGate          Kind = "feature_gate"
	KindExperiment    Kind = "experiment"
	KindDynamicConfig Kind = "dynamic_config"
)

// DefaultIDType is the unit type used when a rule or spec does not name one.
const DefaultIDType = "userID"

// User is the per-call evaluation context. It is never retained by the engine.
type User struct {
	UserID     string `json:"userID,omitempty"`
	Email      string `json:"email,omitempty"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	Country    string `json:"country,omitempty"`
	Locale     string `json:"locale,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`

	// Custom holds arbitrary targeting attributes.
	Custom map[string]any `json:"custom,omitempty"`

	// PrivateAttributes can be targeted on but are never sent with exposures.
	PrivateAttributes map[string]any `json:"privateAttributes,omitempty"`

	// CustomIDs maps a unit type (e.g. "companyID") to its identifier.
	CustomIDs map[string]string `json:"customIDs,omitempty"`

	// Environment carries environment tags such as "tier".
	Environment map[string]string `json:"environment,omitempty"`
}

// Spec is one gate, experiment or dynamic config as delivered in a snapshot.
type Spec struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Entity          string          `json:"entity,omitempty"`
	Salt            string          `json:"salt"`
	Enabled         bool            `json:"enabled"`
	DefaultValue    json.RawMessage `json:"defaultValue,omitempty"`
	IDType          string          `json:"idType,omitempty"`
	Rules           []Rule          `json:"rules"`
	FetchFromServer bool            `json:"fetchFromServer,omitempty"`
}

// Kind resolves the spec classification. Experiments are delivered as
// dynamic configs tagged with the "experiment" entity.
func (s *Spec) Kind() Kind {
	switch {
	case strings.EqualFold(s.Entity, string(KindExperiment)):
		return KindExperiment
	case strings.EqualFold(s.Type, string(KindGate)):
		return KindGate
	default:
		return KindDynamicConfig
	}
}

// DefaultPass is the gate result used when no rule hits.
func (s *Spec) DefaultPass() bool {
	var pass bool
	if err := json.Unmarshal(s.DefaultValue, &pass); err != nil {
		return false
	}
	return pass
}

// Rule is an AND of conditions plus a rollout percentage.
type Rule struct {
	Name           string          `json:"name,omitempty"`
	ID             string          `json:"id"`
	GroupName      string          `json:"groupName,omitempty"`
	Salt           string          `json:"salt,omitempty"`
	PassPercentage float64         `json:"passPercentage"`
	Conditions     []Condition     `json:"conditions"`
	ReturnValue    json.RawMessage `json:"returnValue,omitempty"`
	IDType         string          `json:"idType,omitempty"`
}

// AllocationID is the rule component of the bucketing key.
func (r *Rule) AllocationID() string {
	if r.Salt != "" {
		return r.Salt
	}
	return r.ID
}

// passValue is the gate result of a hit. Rules may return an explicit
// boolean; anything else means pass.
func (r *Rule) passValue() bool {
	var pass bool
	if err := json.Unmarshal(r.ReturnValue, &pass); err != nil {
		return true
	}
	return pass
}

// Condition is a single typed predicate.
type Condition struct {
	Type             string          `json:"type"`
	Operator         string          `json:"operator,omitempty"`
	Field            string          `json:"field,omitempty"`
	TargetValue      json.RawMessage `json:"targetValue,omitempty"`
	AdditionalValues map[string]any  `json:"additionalValues,omitempty"`
	IDType           string          `json:"idType,omitempty"`

	// compiled is populated by CompileSpec.
	compiled *compiledCondition
}

// Segment is a named list of unit IDs used by segment-list operators.
type Segment struct {
	Name string   `json:"name"`
	IDs  []string `json:"ids"`

	set map[string]struct{}
}

// Contains reports whether id belongs to the segment.
func (s *Segment) Contains(id string) bool {
	if s.set == nil {
		for _, candidate := range s.IDs {
			if candidate == id {
				return true
			}
		}
		return false
	}
	_, ok := s.set[id]
	return ok
}

// SecondaryExposure records a dependent gate evaluated while resolving
// another spec.
type SecondaryExposure struct {
	Gate      string `json:"gate"`
	GateValue string `json:"gateValue"`
	RuleID    string `json:"ruleID"`
}

// Lookup resolves cross references inside a snapshot. Implementations must
// be read-only so conditions stay pure.
type Lookup interface {
	Spec(name string) (*Spec, bool)
	Segment(name string) (*Segment, bool)
}
