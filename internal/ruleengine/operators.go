package ruleengine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// operatorFunc compares a resolved user value against a compiled target.
type operatorFunc func(value string, t *target, env *Env) bool

// operator pairs a comparison with the compile-time check of the target
// representation it needs.
type operator struct {
	eval     operatorFunc
	requires func(t *target) error
}

var (
	errNeedsNumber  = errors.New("target is not a number")
	errNeedsVersion = errors.New("target is not a version")
	errNeedsTime    = errors.New("target is not a timestamp")
	errNeedsList    = errors.New("target is missing")
)

func needsNumber(t *target) error {
	if !t.hasNum {
		return errNeedsNumber
	}
	return nil
}

func needsVersion(t *target) error {
	if t.version == nil {
		return errNeedsVersion
	}
	return nil
}

func needsTime(t *target) error {
	if !t.hasTime {
		return errNeedsTime
	}
	return nil
}

func needsList(t *target) error {
	if !t.present {
		return errNeedsList
	}
	return nil
}

func needsPattern(t *target) error {
	if !t.present || len(t.strs) == 0 {
		return errNeedsList
	}
	if len(t.strs[0]) > MaxRegexLength {
		return fmt.Errorf("pattern exceeds maximum length: %d > %d", len(t.strs[0]), MaxRegexLength)
	}
	re, err := regexp.Compile(t.strs[0])
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	t.pattern = re
	return nil
}

func acceptAny(*target) error { return nil }

var operators = map[string]operator{
	"gt":  {eval: numeric(func(a, b float64) bool { return a > b }), requires: needsNumber},
	"gte": {eval: numeric(func(a, b float64) bool { return a >= b }), requires: needsNumber},
	"lt":  {eval: numeric(func(a, b float64) bool { return a < b }), requires: needsNumber},
	"lte": {eval: numeric(func(a, b float64) bool { return a <= b }), requires: needsNumber},

	"version_gt":  {eval: versioned(func(c int) bool { return c > 0 }), requires: needsVersion},
	"version_gte": {eval: versioned(func(c int) bool { return c >= 0 }), requires: needsVersion},
	"version_lt":  {eval: versioned(func(c int) bool { return c < 0 }), requires: needsVersion},
	"version_lte": {eval: versioned(func(c int) bool { return c <= 0 }), requires: needsVersion},
	"version_eq":  {eval: versioned(func(c int) bool { return c == 0 }), requires: needsVersion},
	"version_neq": {eval: versioned(func(c int) bool { return c != 0 }), requires: needsVersion},

	"any":                 {eval: inFolded, requires: needsList},
	"none":                {eval: not(inFolded), requires: needsList},
	"any_case_sensitive":  {eval: inExact, requires: needsList},
	"none_case_sensitive": {eval: not(inExact), requires: needsList},

	"str_starts_with_any": {eval: stringMatch(strings.HasPrefix), requires: needsList},
	"str_ends_with_any":   {eval: stringMatch(strings.HasSuffix), requires: needsList},
	"str_contains_any":    {eval: stringMatch(strings.Contains), requires: needsList},
	"str_contains_none":   {eval: not(stringMatch(strings.Contains)), requires: needsList},
	"str_matches":         {eval: matchesPattern, requires: needsPattern},

	"eq":  {eval: equals, requires: acceptAny},
	"neq": {eval: not(equals), requires: acceptAny},

	"before": {eval: temporal(func(v, t int64) bool { return v < t }), requires: needsTime},
	"after":  {eval: temporal(func(v, t int64) bool { return v > t }), requires: needsTime},
	"on":     {eval: sameDay, requires: needsTime},

	"in_segment_list":     {eval: inSegment, requires: needsList},
	"not_in_segment_list": {eval: not(inSegment), requires: needsList},
}

func not(f operatorFunc) operatorFunc {
	return func(value string, t *target, env *Env) bool { return !f(value, t, env) }
}

func numeric(cmp func(a, b float64) bool) operatorFunc {
	return func(value string, t *target, _ *Env) bool {
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		return cmp(n, t.num)
	}
}

func versioned(accept func(cmp int) bool) operatorFunc {
	return func(value string, t *target, _ *Env) bool {
		v, ok := parseVersion(value)
		if !ok {
			return false
		}
		return accept(v.Compare(t.version))
	}
}

func inFolded(value string, t *target, _ *Env) bool {
	_, ok := t.folded[strings.ToLower(value)]
	return ok
}

func inExact(value string, t *target, _ *Env) bool {
	_, ok := t.exact[value]
	return ok
}

// stringMatch is case-insensitive. Empty user values never match.
func stringMatch(match func(s, sub string) bool) operatorFunc {
	return func(value string, t *target, _ *Env) bool {
		if value == "" {
			return false
		}
		lower := strings.ToLower(value)
		for _, candidate := range t.lower {
			if match(lower, candidate) {
				return true
			}
		}
		return false
	}
}

func matchesPattern(value string, t *target, _ *Env) bool {
	return t.pattern != nil && t.pattern.MatchString(value)
}

// equals compares against the first target; a missing target equals the
// empty value.
func equals(value string, t *target, _ *Env) bool {
	if !t.present || len(t.strs) == 0 {
		return value == ""
	}
	return value == t.strs[0]
}

func temporal(cmp func(v, t int64) bool) operatorFunc {
	return func(value string, t *target, _ *Env) bool {
		ts, ok := parseInstant(value)
		if !ok {
			return false
		}
		return cmp(ts.UnixMilli(), t.instant.UnixMilli())
	}
}

func sameDay(value string, t *target, _ *Env) bool {
	ts, ok := parseInstant(value)
	if !ok {
		return false
	}
	y1, m1, d1 := ts.UTC().Date()
	y2, m2, d2 := t.instant.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func inSegment(value string, t *target, env *Env) bool {
	if value == "" || env.Lookup == nil {
		return false
	}
	for _, name := range t.strs {
		if seg, ok := env.Lookup.Segment(name); ok && seg.Contains(value) {
			return true
		}
	}
	return false
}
