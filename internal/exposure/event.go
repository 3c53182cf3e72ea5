package exposure

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/blake3"

	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

// Event names on the wire.
const (
	GateExposureEvent   = "heimdall::gate_exposure"
	ConfigExposureEvent = "heimdall::config_exposure"
)

// Event records that a user was evaluated against a spec.
type Event struct {
	ID        string          `json:"id"`
	EventName string          `json:"eventName"`
	SpecName  string          `json:"specName"`
	Kind      ruleengine.Kind `json:"kind"`

	// Result is "true"/"false" for gates and the group name (or rule ID
	// when the rule has no group) for configs and experiments.
	Result string `json:"result"`
	RuleID string `json:"ruleID"`
	Reason string `json:"reason"`

	UserID     string            `json:"userID,omitempty"`
	CustomIDs  map[string]string `json:"customIDs,omitempty"`
	UserDigest string            `json:"userDigest"`

	// Time is the evaluation instant in epoch milliseconds.
	Time int64 `json:"time"`

	SecondaryExposures []ruleengine.SecondaryExposure `json:"secondaryExposures,omitempty"`
}

// Decision is the evaluation data an exposure is built from.
type Decision struct {
	SpecName           string
	Kind               ruleengine.Kind
	Pass               bool
	RuleID             string
	GroupName          string
	Reason             string
	SecondaryExposures []ruleengine.SecondaryExposure
}

// NewEvent builds the exposure for d. Private attributes never leave the
// process: they are excluded from the digest and the event.
func NewEvent(d Decision, u *ruleengine.User, at time.Time) Event {
	e := Event{
		ID:                 uuid.NewString(),
		SpecName:           d.SpecName,
		Kind:               d.Kind,
		RuleID:             d.RuleID,
		Reason:             d.Reason,
		Time:               at.UnixMilli(),
		SecondaryExposures: d.SecondaryExposures,
	}

	if d.Kind == ruleengine.KindGate {
		e.EventName = GateExposureEvent
		e.Result = strconv.FormatBool(d.Pass)
	} else {
		e.EventName = ConfigExposureEvent
		e.Result = d.GroupName
		if e.Result == "" {
			e.Result = d.RuleID
		}
	}

	if u != nil {
		e.UserID = u.UserID
		e.CustomIDs = u.CustomIDs
	}
	e.UserDigest = Digest(u)
	return e
}

// Digest is a stable fingerprint of the public part of a user context.
func Digest(u *ruleengine.User) string {
	if u == nil {
		return ""
	}

	public := *u
	public.PrivateAttributes = nil

	// json.Marshal sorts map keys, so equal users encode identically.
	raw, err := json.Marshal(public)
	if err != nil {
		raw = []byte(u.UserID)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// DedupeKey identifies repeated exposures of the same decision for the
// same user.
func (e *Event) DedupeKey() uint64 {
	h := murmur3.New64()
	for _, part := range []string{e.SpecName, e.Result, e.RuleID, e.Reason, e.UserDigest} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
