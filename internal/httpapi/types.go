package httpapi

import (
	"encoding/json"
	"strings"
	"time"

	heimdall "github.com/rafaeljc/heimdall-sdk"
)

// maxNameLength bounds spec names accepted over the wire.
const maxNameLength = 255

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckRequest is the body of the evaluation endpoints.
type CheckRequest struct {
	// Name is the gate, config or experiment name.
	Name string `json:"name"`

	User *heimdall.User `json:"user"`

	// DisableExposure skips the exposure event of this check.
	DisableExposure bool `json:"disableExposure,omitempty"`
}

// Sanitize trims the name in place.
func (r *CheckRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
}

// Validate checks the request shape. A missing user is rejected: every
// evaluation needs at least a unit to bucket on.
func (r *CheckRequest) Validate() *ErrorResponse {
	if r.Name == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Name is required"}
	}
	if len(r.Name) > maxNameLength {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Name must be at most 255 characters"}
	}
	if r.User == nil {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "User is required"}
	}
	return nil
}

func (r *CheckRequest) options() []heimdall.CheckOption {
	if r.DisableExposure {
		return []heimdall.CheckOption{heimdall.WithoutExposure()}
	}
	return nil
}

// EvaluationResponse is the body returned by the evaluation endpoints.
type EvaluationResponse struct {
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
	RuleID     string          `json:"ruleID,omitempty"`
	GroupName  string          `json:"groupName,omitempty"`
	Reason     string          `json:"reason"`
	UpdateTime int64           `json:"updateTime"`
}

func newEvaluationResponse(e heimdall.Evaluation, value json.RawMessage) EvaluationResponse {
	if len(value) == 0 {
		value = json.RawMessage(`null`)
	}
	return EvaluationResponse{
		Name:       e.Name,
		Value:      value,
		RuleID:     e.RuleID,
		GroupName:  e.GroupName,
		Reason:     string(e.Reason),
		UpdateTime: e.UpdateTime,
	}
}

// StatusResponse describes the state of the hosted client.
type StatusResponse struct {
	Ready               bool       `json:"ready"`
	State               string     `json:"state"`
	UpdateTime          int64      `json:"updateTime"`
	ConsecutiveFailures int64      `json:"consecutiveFailures"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ExposuresLost       int64      `json:"exposuresLost"`
}

// PaginatedResponse wraps a page of results.
type PaginatedResponse[T any] struct {
	Data       []T            `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// PaginationMeta describes the current page.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
}
