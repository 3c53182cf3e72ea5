package evaluator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rafaeljc/heimdall-sdk/internal/fallback"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

// Reason explains how a Result was produced. It is also the exposure reason.
type Reason string

const (
	ReasonRuleMatched      Reason = "rule_matched"
	ReasonDefault          Reason = "default"
	ReasonDisabled         Reason = "disabled"
	ReasonUnrecognizedSpec Reason = "unrecognized_spec"
	ReasonUninitialized    Reason = "uninitialized"
	ReasonNetworkFallback  Reason = fallback.ExposureReason
	ReasonNetworkError     Reason = "network_error"
)

// Result is the outcome of one check. It is never persisted.
type Result struct {
	Name string
	Kind ruleengine.Kind

	// Pass is the gate value. For configs and experiments it is true when
	// a rule (local or remote) assigned the value.
	Pass bool

	// Value is the config value or group parameters. Nil when the spec
	// is unknown and no default exists.
	Value json.RawMessage

	RuleID    string
	GroupName string
	Reason    Reason

	// UpdateTime is the version token of the snapshot that produced the
	// result (0 before initialization).
	UpdateTime int64

	SecondaryExposures []ruleengine.SecondaryExposure
}

// Policy decides what happens to names missing from the snapshot.
type Policy int

const (
	// PolicyFailClosed returns false/empty without touching the network.
	PolicyFailClosed Policy = iota
	// PolicyFailOpen returns true for gates and an empty value for configs.
	PolicyFailOpen
	// PolicyDelegate asks the server through the fallback delegator.
	PolicyDelegate
)

func (p Policy) String() string {
	switch p {
	case PolicyFailClosed:
		return "fail_closed"
	case PolicyFailOpen:
		return "fail_open"
	case PolicyDelegate:
		return "delegate"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name. Empty input means fail_closed.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "fail_closed":
		return PolicyFailClosed, nil
	case "fail_open":
		return PolicyFailOpen, nil
	case "delegate":
		return PolicyDelegate, nil
	default:
		return PolicyFailClosed, fmt.Errorf("unknown unrecognized-spec policy %q (want fail_closed, fail_open or delegate)", s)
	}
}
