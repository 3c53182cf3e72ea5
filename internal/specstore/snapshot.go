// Package specstore holds the immutable configuration snapshot that every
// evaluation reads from, and parses snapshots out of the wire payload.
package specstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

// Source tells where an installed snapshot came from.
type Source string

const (
	SourceNone      Source = "none"
	SourceNetwork   Source = "network"
	SourceBootstrap Source = "bootstrap"
	SourcePersisted Source = "persisted"
)

// Payload is the wire format of a config download.
type Payload struct {
	FeatureGates   []ruleengine.Spec    `json:"feature_gates"`
	DynamicConfigs []ruleengine.Spec    `json:"dynamic_configs"`
	Segments       []ruleengine.Segment `json:"segments,omitempty"`

	// HasUpdates is false when nothing changed since the request token.
	// A missing field means true.
	HasUpdates *bool `json:"has_updates,omitempty"`

	// Time is the version token; it is sent back as sinceTime.
	Time int64 `json:"time"`
}

// Snapshot is a complete, immutable set of specs at one point in time.
//
// A snapshot is never mutated after Parse returns it, so any number of
// evaluations may read it concurrently. Superseded snapshots are reclaimed
// by the garbage collector once the last in-flight evaluation drops its
// reference.
type Snapshot struct {
	specs      map[string]*ruleengine.Spec
	segments   map[string]*ruleengine.Segment
	updateTime int64
	fetchedAt  time.Time
	source     Source
	raw        []byte
}

var _ ruleengine.Lookup = (*Snapshot)(nil)

// Empty returns the snapshot served before the first install.
func Empty() *Snapshot {
	return &Snapshot{
		specs:    map[string]*ruleengine.Spec{},
		segments: map[string]*ruleengine.Segment{},
		source:   SourceNone,
	}
}

// Spec returns the spec named name.
func (s *Snapshot) Spec(name string) (*ruleengine.Spec, bool) {
	spec, ok := s.specs[name]
	return spec, ok
}

// Segment returns the segment named name.
func (s *Snapshot) Segment(name string) (*ruleengine.Segment, bool) {
	seg, ok := s.segments[name]
	return seg, ok
}

// UpdateTime is the version token of the snapshot.
func (s *Snapshot) UpdateTime() int64 { return s.updateTime }

// FetchedAt is when the snapshot was obtained.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Source tells where the snapshot came from.
func (s *Snapshot) Source() Source { return s.source }

// Len returns the number of specs.
func (s *Snapshot) Len() int { return len(s.specs) }

// Names returns the spec names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Raw returns the payload the snapshot was parsed from, for persistence.
// Callers must not modify it.
func (s *Snapshot) Raw() []byte { return s.raw }

// IsEmpty reports whether this is the pre-initialization snapshot.
func (s *Snapshot) IsEmpty() bool { return s.source == SourceNone }

// ParseResult is the outcome of parsing a payload.
type ParseResult struct {
	// Snapshot is nil when HasUpdates is false.
	Snapshot *Snapshot

	HasUpdates bool

	// Warnings lists conditions that were compiled to "always false".
	Warnings []error
}

// Parse decodes and compiles a payload into a snapshot.
//
// The payload is rejected as a whole with a *MalformedSnapshotError when
// it is not valid JSON, carries no version token, repeats a spec or
// segment name, or contains a structurally invalid spec. A rejected
// payload never yields a partial snapshot.
func Parse(payload []byte, source Source, fetchedAt time.Time) (*ParseResult, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, malformed("empty payload", nil)
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, malformed("invalid json", err)
	}

	if p.HasUpdates != nil && !*p.HasUpdates {
		return &ParseResult{HasUpdates: false}, nil
	}

	if p.Time <= 0 {
		return nil, malformed("missing update time", nil)
	}

	snap := &Snapshot{
		specs:      make(map[string]*ruleengine.Spec, len(p.FeatureGates)+len(p.DynamicConfigs)),
		segments:   make(map[string]*ruleengine.Segment, len(p.Segments)),
		updateTime: p.Time,
		fetchedAt:  fetchedAt,
		source:     source,
		raw:        payload,
	}
	result := &ParseResult{Snapshot: snap, HasUpdates: true}

	add := func(list []ruleengine.Spec, listName string, kind ruleengine.Kind) error {
		for i := range list {
			spec := &list[i]
			if spec.Type == "" {
				spec.Type = string(kind)
			}
			warnings, err := ruleengine.CompileSpec(spec)
			if err != nil {
				return malformed(fmt.Sprintf("%s[%d]", listName, i), err)
			}
			if _, dup := snap.specs[spec.Name]; dup {
				return malformed(fmt.Sprintf("duplicate spec name %q", spec.Name), nil)
			}
			snap.specs[spec.Name] = spec
			result.Warnings = append(result.Warnings, warnings...)
		}
		return nil
	}

	if err := add(p.FeatureGates, "feature_gates", ruleengine.KindGate); err != nil {
		return nil, err
	}
	if err := add(p.DynamicConfigs, "dynamic_configs", ruleengine.KindDynamicConfig); err != nil {
		return nil, err
	}

	for i := range p.Segments {
		seg := &p.Segments[i]
		if err := ruleengine.CompileSegment(seg); err != nil {
			return nil, malformed(fmt.Sprintf("segments[%d]", i), err)
		}
		if _, dup := snap.segments[seg.Name]; dup {
			return nil, malformed(fmt.Sprintf("duplicate segment name %q", seg.Name), nil)
		}
		snap.segments[seg.Name] = seg
	}

	return result, nil
}
