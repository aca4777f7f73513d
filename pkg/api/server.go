// Package api serves the management node's admin HTTP surface.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-fleet/pkg/config"
	"github.com/dd0wney/cluso-fleet/pkg/health"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

// MaxBodyBytes caps request bodies
const MaxBodyBytes = 1 << 20

// HostManager is the part of the host manager the API drives
type HostManager interface {
	AddHost(ctx context.Context, req *model.AddHostRequest) (model.Inventory, error)
	Disconnect(ctx context.Context, hostID string) (bool, error)
}

// Options are the collaborators behind the routes. Only Hosts is required; a nil
// collaborator leaves its routes unregistered.
type Options struct {
	Hosts     HostManager
	Overrides *config.OverrideRegistry
	Health    *health.HealthChecker
	Links     storage.StorageLinkStore // with Bus, accepts storage link reports
	Bus       *pubsub.PubSub
	Metrics   *metrics.Registry
	Logger    logging.Logger
}

// Server represents the admin HTTP API
type Server struct {
	hosts           HostManager
	overrides       *config.OverrideRegistry
	healthChecker   *health.HealthChecker
	links           storage.StorageLinkStore
	bus             *pubsub.PubSub
	metricsRegistry *metrics.Registry
	logger          logging.Logger
}

// NewServer creates the API
func NewServer(opts Options) *Server {
	return &Server{
		hosts:           opts.Hosts,
		overrides:       opts.Overrides,
		healthChecker:   opts.Health,
		links:           opts.Links,
		bus:             opts.Bus,
		metricsRegistry: opts.Metrics,
		logger:          logging.OrDefault(opts.Logger).With(logging.Component("api")),
	}
}

// Handler returns the routed handler wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/hosts", s.handleAddHost)
	mux.HandleFunc("POST /v1/hosts/{id}/disconnect", s.handleDisconnectHost)

	if s.overrides != nil {
		mux.HandleFunc("GET /v1/overrides", s.handleListOverrides)
		mux.HandleFunc("PUT /v1/overrides", s.handleSetOverride)
		mux.HandleFunc("DELETE /v1/overrides/{name}/{scope}", s.handleDeleteOverride)
		mux.HandleFunc("DELETE /v1/overrides/{name}/{scope}/{scopeID}", s.handleDeleteOverride)
		mux.HandleFunc("GET /v1/overrides/{name}/effective", s.handleEffectiveOverride)
	}

	if s.links != nil && s.bus != nil {
		mux.HandleFunc("PUT /v1/storage-links", s.handleReportStorageLink)
	}

	if s.healthChecker != nil {
		mux.HandleFunc("GET /healthz", s.healthChecker.HTTPHandler())
		mux.HandleFunc("GET /readyz", s.healthChecker.ReadinessHandler())
	}

	if s.metricsRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metricsRegistry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	}

	var h http.Handler = mux
	h = s.bodySizeLimitMiddleware(h, MaxBodyBytes)
	h = s.metricsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.requestIDMiddleware(h)
	h = s.panicRecoveryMiddleware(h)
	return h
}
