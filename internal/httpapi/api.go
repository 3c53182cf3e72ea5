// Package httpapi exposes the SDK client of the sidecar over REST so that
// services written in other languages can evaluate gates, configs and
// experiments through a local HTTP call.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	heimdall "github.com/rafaeljc/heimdall-sdk"
	"github.com/rafaeljc/heimdall-sdk/internal/store"
)

// Evaluator is the subset of the SDK client served over HTTP.
type Evaluator interface {
	GetGate(ctx context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.FeatureGate
	GetConfig(ctx context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.DynamicConfig
	GetExperiment(ctx context.Context, name string, u *heimdall.User, opts ...heimdall.CheckOption) heimdall.Experiment
	Ready() bool
	SyncState() heimdall.SyncStatus
	LossCount() int64
}

// API holds the router and the dependencies of the REST surface.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	logger    *slog.Logger
	client    Evaluator
	snapshots store.SnapshotRepository

	// apiKeyHash is the hex SHA-256 of the key callers must present in
	// the X-API-Key header. Empty disables authentication.
	apiKeyHash string
}

// NewAPI creates the REST API. snapshots is optional: without it the
// snapshot history route answers 404.
//
// Panics if client is nil.
func NewAPI(logger *slog.Logger, client Evaluator, snapshots store.SnapshotRepository, apiKeyHash string) *API {
	if client == nil {
		panic("httpapi: client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		Router:     chi.NewRouter(),
		logger:     logger,
		client:     client,
		snapshots:  snapshots,
		apiKeyHash: apiKeyHash,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the middleware stack and the endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.requestLogger)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Post("/check_gate", a.handleCheckGate)
		r.Post("/get_config", a.handleGetConfig)
		r.Post("/get_experiment", a.handleGetExperiment)

		r.Get("/status", a.handleStatus)
		r.Get("/snapshots", a.handleListSnapshots)
	})
}

// handleHealthCheck reports that the HTTP surface is serving. Snapshot
// readiness is exposed by the observability server.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
