package testsupport

import (
	"encoding/json"
	"testing"

	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

// Payload builds config download payloads for tests.
type Payload struct {
	FeatureGates   []ruleengine.Spec    `json:"feature_gates"`
	DynamicConfigs []ruleengine.Spec    `json:"dynamic_configs"`
	Segments       []ruleengine.Segment `json:"segments,omitempty"`
	Time           int64                `json:"time"`
}

// NewPayload starts an empty payload with the given version token.
func NewPayload(updateTime int64) *Payload {
	return &Payload{
		FeatureGates:   []ruleengine.Spec{},
		DynamicConfigs: []ruleengine.Spec{},
		Time:           updateTime,
	}
}

// WithGate appends a feature gate.
func (p *Payload) WithGate(spec ruleengine.Spec) *Payload {
	if spec.Type == "" {
		spec.Type = string(ruleengine.KindGate)
	}
	p.FeatureGates = append(p.FeatureGates, spec)
	return p
}

// WithConfig appends a dynamic config or experiment.
func (p *Payload) WithConfig(spec ruleengine.Spec) *Payload {
	if spec.Type == "" {
		spec.Type = string(ruleengine.KindDynamicConfig)
	}
	p.DynamicConfigs = append(p.DynamicConfigs, spec)
	return p
}

// WithSegment appends an ID list segment.
func (p *Payload) WithSegment(name string, ids ...string) *Payload {
	p.Segments = append(p.Segments, ruleengine.Segment{Name: name, IDs: ids})
	return p
}

// JSON encodes the payload, failing the test on error.
func (p *Payload) JSON(t testing.TB) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return raw
}

// Condition builds a condition with a JSON-encoded target.
func Condition(conditionType, operator, field string, target any) ruleengine.Condition {
	raw, err := json.Marshal(target)
	if err != nil {
		panic(err)
	}
	return ruleengine.Condition{Type: conditionType, Operator: operator, Field: field, TargetValue: raw}
}

// CountryGate is an enabled gate passing users from country at 100%.
func CountryGate(name, country string) ruleengine.Spec {
	return ruleengine.Spec{
		Name:         name,
		Type:         string(ruleengine.KindGate),
		Salt:         name + "-salt",
		Enabled:      true,
		DefaultValue: json.RawMessage(`false`),
		Rules: []ruleengine.Rule{{
			ID:             name + "-" + country,
			PassPercentage: 100,
			Conditions:     []ruleengine.Condition{Condition("user_field", "any", "country", []string{country})},
			ReturnValue:    json.RawMessage(`true`),
		}},
	}
}

// PublicConfig is an enabled config returning value to everyone.
func PublicConfig(name string, value string) ruleengine.Spec {
	return ruleengine.Spec{
		Name:         name,
		Type:         string(ruleengine.KindDynamicConfig),
		Salt:         name + "-salt",
		Enabled:      true,
		DefaultValue: json.RawMessage(`{}`),
		Rules: []ruleengine.Rule{{
			ID:             name + "-all",
			GroupName:      "everyone",
			PassPercentage: 100,
			Conditions:     []ruleengine.Condition{{Type: "public"}},
			ReturnValue:    json.RawMessage(value),
		}},
	}
}
