// Package worker implements app.Runner for the commission worker process.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/app"
	apphttp "github.com/chainsafe/revenue-middleware/pkg/app/http"
	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/referral"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
)

const defaultHTTPMiddlewareTimeout = 60 * time.Second

// Server holds configuration for the commission worker process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new worker Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the commission loop and the operational HTTP server.
// It blocks until an OS shutdown signal is received or a fatal server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting commission worker",
		zap.String("policy", cfg.Commission.Policy),
		zap.Duration("interval", cfg.Commission.Interval))

	clk := clock.New()
	catalog, err := app.LoadCatalog(cfg.Session.PlanCatalogPath)
	if err != nil {
		return err
	}

	remoteStore, closeRemote, err := app.OpenRemote(ctx, &cfg.Database, clk, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	processor := referral.NewProcessor(remoteStore, catalog, retry.New(cfg.Retry, logger), cfg.Commission, clk, logger)
	loop := NewLoop(processor, cfg.Commission.Interval, clk, logger)
	loop.Start(ctx)
	defer loop.Stop()

	return apphttp.ServeAndWait(ctx, NewRouter(loop), logger, &cfg.Server)
}

// NewRouter builds the operational routes of the worker
func NewRouter(loop *Loop) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		last, ok := loop.LastSummary()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		_ = apphttp.WriteJSON(w, http.StatusOK, last)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}
