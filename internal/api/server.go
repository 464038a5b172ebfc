// Package api binds the lifecycle manager, branching engine, metrics
// pipeline, stream hub and config editor to the REST/WebSocket surface of
// spec.md §6, on a go-chi/chi/v5 router grounded on wisbric-nightowl's
// internal/httpserver package.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datify-sh/datify/internal/branching"
	"github.com/datify-sh/datify/internal/configeditor"
	"github.com/datify-sh/datify/internal/crypto"
	"github.com/datify-sh/datify/internal/domain"
	"github.com/datify-sh/datify/internal/engine"
	"github.com/datify-sh/datify/internal/lifecycle"
	"github.com/datify-sh/datify/internal/metrics"
	"github.com/datify-sh/datify/internal/store"
	"github.com/datify-sh/datify/internal/streamhub"
)

// Config bundles the settings the router needs beyond its collaborators.
type Config struct {
	CORSAllowedOrigins []string
	DockerHostIP       string
}

// EngineRegistry is the subset of engine.Registry the API layer needs to
// resolve an instance's adapter and report its supported versions.
type EngineRegistry interface {
	Lookup(e domain.Engine) (engine.Adapter, error)
}

// Server holds the chi router and every collaborator a handler might need.
type Server struct {
	Router *chi.Mux

	cfg          Config
	store        *store.Store
	vault        *crypto.Vault
	engines      EngineRegistry
	lifecycle    *lifecycle.Manager
	branching    *branching.Engine
	scraper      *metrics.Scraper
	broadcaster  *metrics.Broadcaster
	hub          *streamhub.Hub
	configEditor *configeditor.Editor
	auth         Authenticator
	startedAt    time.Time
}

// NewServer builds the router: global middleware, unauthenticated
// health/metrics endpoints, then the authenticated /api/v1 sub-router with
// every domain handler mounted on it.
func NewServer(
	cfg Config,
	metricsReg *prometheus.Registry,
	st *store.Store,
	vault *crypto.Vault,
	engines EngineRegistry,
	lc *lifecycle.Manager,
	br *branching.Engine,
	scraper *metrics.Scraper,
	broadcaster *metrics.Broadcaster,
	hub *streamhub.Hub,
	configEditor *configeditor.Editor,
	auth Authenticator,
) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		cfg:          cfg,
		store:        st,
		vault:        vault,
		engines:      engines,
		lifecycle:    lc,
		branching:    br,
		scraper:      scraper,
		broadcaster:  broadcaster,
		hub:          hub,
		configEditor: configEditor,
		auth:         auth,
		startedAt:    time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(RequestLogger)
	s.Router.Use(metricsMiddleware)
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)
		s.mountREST(r)
		s.mountWebsockets(r)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
