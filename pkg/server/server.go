// Package server exposes the report and ledger operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/minesentry/minesentry/pkg/settle"
)

type Config struct {
	Logger       *slog.Logger
	ListenAddr   string
	Orchestrator *settle.Orchestrator
	CORSOrigins  []string

	// Per-IP submission rate limit for POST /reports.
	SubmitRate  rate.Limit
	SubmitBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Orchestrator == nil {
		return errors.New("orchestrator is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = rate.Every(time.Minute / 10)
	}
	if cfg.SubmitBurst == 0 {
		cfg.SubmitBurst = 5
	}
	return nil
}

// Server is the HTTP surface over the settlement orchestrator.
type Server struct {
	log    *slog.Logger
	cfg    Config
	o      *settle.Orchestrator
	router *chi.Mux
	srv    *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		o:      cfg.Orchestrator,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Handler returns the router, used directly in handler tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	submitLimiter := NewRateLimiter(s.cfg.SubmitRate, s.cfg.SubmitBurst)

	s.router.Route("/reports", func(r chi.Router) {
		r.With(submitLimiter.Middleware).Post("/", s.handleSubmitReport)
		r.Get("/", s.handleListReports)
		r.Get("/{id}", s.handleGetReport)
		r.Post("/{id}/validate", s.handleValidateReport)
		r.Post("/{id}/verify", s.handleVerifyReport)
		r.Delete("/{id}", s.handleDeleteReport)
	})
	s.router.Get("/stats", s.handleStats)

	s.router.Route("/ledger", func(r chi.Router) {
		r.Get("/", s.handleLedgerState)
		r.Post("/fund", s.handleFund)
		r.Get("/payments/queue", s.handlePaymentQueue)
		r.Get("/payments/history", s.handlePaymentHistory)
		r.Post("/payments/{id}", s.handleCreatePayment)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Post("/payments/{id}/approve", s.handleApprovePayment)
		r.Post("/payments/{id}/reject", s.handleRejectPayment)
		r.Post("/payments/{id}/execute", s.handleExecutePayment)
	})

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server: listening", "addr", s.cfg.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server: shutting down")
	return s.srv.Shutdown(ctx)
}
