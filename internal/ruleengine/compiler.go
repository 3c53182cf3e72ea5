package ruleengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
)

const (
	// MaxTargetListSize bounds the number of target values in one condition.
	// Larger audiences belong in segments.
	MaxTargetListSize = 10_000

	// MaxRegexLength bounds str_matches patterns.
	MaxRegexLength = 1_024
)

// compiledCondition is the pre-processed form of a Condition.
type compiledCondition struct {
	getter valueGetter
	op     operatorFunc
	target target

	// never marks conditions that failed to compile; they evaluate to false.
	never bool
}

// target holds every representation of a condition's target value that an
// operator may need, computed once per snapshot.
type target struct {
	present  bool
	strs     []string
	lower    []string
	exact    map[string]struct{}
	folded   map[string]struct{}
	num      float64
	hasNum   bool
	version  *goversion.Version
	instant  time.Time
	hasTime  bool
	pattern  *regexp.Regexp
	bucketID string
}

// CompileSpec validates a spec and pre-processes its conditions.
//
// Structural problems (missing name, percentages outside [0,100]) are
// returned as err and make the whole snapshot invalid. Problems local to a
// single condition (unknown type or operator, malformed target) are
// returned as warnings; such a condition compiles to "always false".
func CompileSpec(spec *Spec) (warnings []error, err error) {
	if spec == nil {
		return nil, errors.New("spec is nil")
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("spec name is empty")
	}

	for i := range spec.Rules {
		rule := &spec.Rules[i]
		if rule.PassPercentage < 0 || rule.PassPercentage > 100 {
			return nil, fmt.Errorf("spec %q rule %q: pass percentage must be between 0 and 100, got %v",
				spec.Name, rule.ID, rule.PassPercentage)
		}
		for j := range rule.Conditions {
			if w := compileCondition(&rule.Conditions[j]); w != nil {
				warnings = append(warnings, fmt.Errorf("spec %q rule %q condition %d: %w", spec.Name, rule.ID, j, w))
			}
		}
	}

	return warnings, nil
}

// CompileSegment builds the membership set of a segment.
func CompileSegment(seg *Segment) error {
	if strings.TrimSpace(seg.Name) == "" {
		return errors.New("segment name is empty")
	}
	seg.set = make(map[string]struct{}, len(seg.IDs))
	for _, id := range seg.IDs {
		seg.set[id] = struct{}{}
	}
	return nil
}

func compileCondition(c *Condition) error {
	cc := &compiledCondition{}
	c.compiled = cc

	getter, ok := valueGetters[strings.ToLower(c.Type)]
	if !ok {
		cc.never = true
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	cc.getter = getter

	t, err := parseTarget(c.TargetValue)
	if err != nil {
		cc.never = true
		return err
	}
	cc.target = t

	// These resolve without an operator.
	if strings.EqualFold(c.Type, ConditionPublic) {
		return nil
	}
	if isGateCondition(c.Type) {
		if len(cc.target.strs) == 0 {
			cc.never = true
			return errors.New("gate condition without a gate name")
		}
		return nil
	}

	op, ok := operators[strings.ToLower(c.Operator)]
	if !ok {
		cc.never = true
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	if err := op.requires(&cc.target); err != nil {
		cc.never = true
		return fmt.Errorf("operator %q: %w", c.Operator, err)
	}
	cc.op = op.eval

	if strings.EqualFold(c.Type, ConditionUserBucket) {
		salt, _ := c.AdditionalValues["salt"].(string)
		cc.target.bucketID = salt
	}

	return nil
}

// parseTarget accepts a JSON scalar or array of scalars.
func parseTarget(raw json.RawMessage) (target, error) {
	var t target
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return t, fmt.Errorf("invalid target value: %w", err)
	}

	switch v := decoded.(type) {
	case []any:
		if len(v) > MaxTargetListSize {
			return t, fmt.Errorf("target list exceeds maximum size: %d > %d", len(v), MaxTargetListSize)
		}
		t.strs = make([]string, 0, len(v))
		for _, item := range v {
			if _, nested := item.([]any); nested {
				return t, errors.New("nested target arrays are not supported")
			}
			if _, obj := item.(map[string]any); obj {
				return t, errors.New("object target values are not supported")
			}
			t.strs = append(t.strs, stringify(item))
		}
	case map[string]any:
		return t, errors.New("object target values are not supported")
	default:
		t.strs = []string{stringify(v)}
	}

	t.present = true
	t.lower = make([]string, len(t.strs))
	t.exact = make(map[string]struct{}, len(t.strs))
	t.folded = make(map[string]struct{}, len(t.strs))
	for i, s := range t.strs {
		t.lower[i] = strings.ToLower(s)
		t.exact[s] = struct{}{}
		t.folded[t.lower[i]] = struct{}{}
	}

	if len(t.strs) > 0 {
		first := t.strs[0]
		if n, err := strconv.ParseFloat(first, 64); err == nil {
			t.num, t.hasNum = n, true
		}
		if v, ok := parseVersion(first); ok {
			t.version = v
		}
		if ts, ok := parseInstant(first); ok {
			t.instant, t.hasTime = ts, true
		}
	}

	return t, nil
}

// parseInstant reads epoch seconds, epoch milliseconds or RFC 3339.
// Integers above the int32 range are taken as milliseconds.
func parseInstant(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		epoch := int64(n)
		if epoch > 1<<31-1 || epoch < -(1<<31) {
			return time.UnixMilli(epoch).UTC(), true
		}
		return time.Unix(epoch, 0).UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}
