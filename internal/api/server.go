// Package api exposes scoring, model management and ingestion over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Dependencies are the backends the handlers use. Repo, Cache, Bus and
// Accounts may be nil; the endpoints needing them answer 503.
type Dependencies struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Accounts domain.AccountRepository
	Registry *pipeline.Registry
	Trainer  *pipeline.Trainer
}

// Server owns the router and the listening http.Server.
type Server struct {
	router *chi.Mux
	http   *http.Server
}

// NewServer wires the middleware chain and routes. Nothing listens until
// Start.
func NewServer(cfg domain.ServerConfig, deps Dependencies, version string) *Server {
	h := NewHandler(deps, version)
	r := chi.NewRouter()

	// CORS answers preflights before anything is traced or counted.
	r.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		MetricsMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)
	if cfg.MaxBodyMB > 0 {
		r.Use(middleware.RequestSize(int64(cfg.MaxBodyMB) << 20))
	}

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/score", func(r chi.Router) {
		r.Post("/", h.Score)
		r.Post("/async", h.ScoreAsync)
	})
	r.Get("/scores/{txId}", h.GetScore)

	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", h.IngestTransactions)
		r.Get("/{id}", h.GetTransaction)
	})

	r.Route("/model", func(r chi.Router) {
		r.Get("/", h.GetModel)
		r.Get("/features", h.GetFeatureImportance)
		r.Post("/train", h.Train)
	})

	return &Server{
		router: r,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           r,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start listens until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router returns the handler tree, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
