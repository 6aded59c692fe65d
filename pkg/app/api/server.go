// Package api implements app.Runner for the API server process.
package api

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
	"github.com/chainsafe/revenue-middleware/pkg/auth"
	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	reconcilerpkg "github.com/chainsafe/revenue-middleware/pkg/reconciler"
	"github.com/chainsafe/revenue-middleware/pkg/referral"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
	"github.com/chainsafe/revenue-middleware/pkg/usersession"
)

const defaultRequestTimeout = 60

// Server holds cfg to init the api server.
type Server struct {
	cfg *config.Config
}

// NewServer initializes new api server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("api server config is nil")
	}
	cfg := s.cfg
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting API server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	clk := clock.New()
	catalog, err := app.LoadCatalog(cfg.Session.PlanCatalogPath)
	if err != nil {
		return err
	}

	backend, closeBackend, err := app.OpenBackend(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	remoteStore, closeRemote, err := app.OpenRemote(ctx, &cfg.Database, clk, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	bus := events.NewBus(logger)
	closeSink, err := app.AttachEventSink(&cfg.AMQP, bus, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	policy := retry.New(cfg.Retry, logger)
	registry := usersession.NewRegistry(usersession.Deps{
		Store:   kvstore.New(backend, cfg.Store, clk, logger),
		Remote:  remoteStore,
		Bus:     bus,
		Catalog: catalog,
		Retry:   policy,
		Config:  cfg,
		Logger:  logger,
	})

	rates := referral.NewRateCache(remoteStore, catalog, policy, cfg.Commission.RateCacheTTL, clk)
	tracker := referral.NewTracker(remoteStore, rates, catalog, clk, logger)

	rec := reconcilerpkg.New(registry, cfg.Reconciliation.Timeout, clk, logger)
	stopReconcile := s.startPeriodicReconcile(rec, logger)
	// Keep this defer as a safety net; the explicit call below orders shutdown.
	defer stopReconcile()

	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	router := NewRouter(registry, tracker, validator, logger)

	err = apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)

	// Stop background work before the deferred store closes kick in.
	stopReconcile()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()
	registry.CloseAll(shutdownCtx)

	return err
}

func (s *Server) startPeriodicReconcile(rec *reconcilerpkg.Reconciler, logger *zap.Logger) func() {
	if s.cfg.Reconciliation.Interval <= 0 {
		return func() {}
	}

	logger.Info("Starting periodic reconciliation", zap.Duration("interval", s.cfg.Reconciliation.Interval))
	rec.StartPeriodicReconciliation(s.cfg.Reconciliation.Interval)
	return rec.Stop
}

// NewRouter builds the HTTP routes of the API server
func NewRouter(sessions SessionOpener, referrals ReferralTracker, v *auth.JWTValidator, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Second * defaultRequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	RegisterRoutes(r, sessions, referrals, v, logger)
	return r
}
