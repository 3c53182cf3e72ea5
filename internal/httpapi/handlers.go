package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	heimdall "github.com/rafaeljc/heimdall-sdk"
	"github.com/rafaeljc/heimdall-sdk/internal/logger"
	"github.com/rafaeljc/heimdall-sdk/internal/store"
)

// handleCheckGate processes POST /v1/check_gate.
func (a *API) handleCheckGate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheckRequest(w, r)
	if !ok {
		return
	}

	gate := a.client.GetGate(r.Context(), req.Name, req.User, req.options()...)
	value := json.RawMessage(strconv.FormatBool(gate.Value))

	render.Status(r, http.StatusOK)
	render.JSON(w, r, newEvaluationResponse(gate.Evaluation, value))
}

// handleGetConfig processes POST /v1/get_config.
func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheckRequest(w, r)
	if !ok {
		return
	}

	cfg := a.client.GetConfig(r.Context(), req.Name, req.User, req.options()...)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, newEvaluationResponse(cfg.Evaluation, cfg.Value))
}

// handleGetExperiment processes POST /v1/get_experiment.
func (a *API) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheckRequest(w, r)
	if !ok {
		return
	}

	exp := a.client.GetExperiment(r.Context(), req.Name, req.User, req.options()...)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, newEvaluationResponse(exp.Evaluation, exp.Value))
}

// handleStatus processes GET /v1/status.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.client.SyncState()

	resp := StatusResponse{
		Ready:               a.client.Ready(),
		State:               st.State.String(),
		UpdateTime:          st.UpdateTime,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
		ExposuresLost:       a.client.LossCount(),
	}
	if !st.LastSuccess.IsZero() {
		last := st.LastSuccess.UTC()
		resp.LastSuccess = &last
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleListSnapshots processes GET /v1/snapshots. It pages through the
// persisted snapshot history, newest first.
func (a *API) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if a.snapshots == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_CONFIGURED",
			Message: "Snapshot history requires the PostgreSQL backend",
		})
		return
	}

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 10)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: err.Error()})
		return
	}

	// Out-of-bounds values are clamped rather than rejected.
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	records, total, err := a.snapshots.ListSnapshots(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		log.Error("failed to list snapshots", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Failed to list snapshots"})
		return
	}

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}

	data := make([]store.SnapshotRecord, len(records))
	for i, rec := range records {
		data[i] = *rec
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse[store.SnapshotRecord]{
		Data: data,
		Pagination: PaginationMeta{
			CurrentPage: page,
			PageSize:    pageSize,
			TotalItems:  total,
			TotalPages:  totalPages,
		},
	})
}

// decodeCheckRequest reads and validates an evaluation body. It writes the
// error response itself and reports false when the handler must stop.
func decodeCheckRequest(w http.ResponseWriter, r *http.Request) (*CheckRequest, bool) {
	var req CheckRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return nil, false
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return nil, false
	}

	return &req, true
}

// parseOptionalInt extracts an integer from the query string. A missing
// parameter yields defaultValue; a malformed one is an error.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

var _ Evaluator = (*heimdall.Client)(nil)
