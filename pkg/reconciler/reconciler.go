package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/usersession"
)

// SessionSource lists the sessions to reconcile
type SessionSource interface {
	Sessions() []*usersession.Session
}

// Result summarizes one reconciliation pass
type Result struct {
	Sessions int
	Synced   int
	Failed   int
}

// Reconciler handles synchronization between open sessions and the remote store
type Reconciler struct {
	sessions SessionSource
	timeout  time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Reconciler. Each periodic pass runs under timeout.
func New(sessions SessionSource, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		sessions: sessions,
		timeout:  timeout,
		clock:    clk,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// ReconcileAll syncs every open session's balance with the remote store.
// The larger side wins, so a pass that fails halfway leaves nothing lower.
func (r *Reconciler) ReconcileAll(ctx context.Context) Result {
	start := r.clock.Now()
	sessions := r.sessions.Sessions()
	res := Result{Sessions: len(sessions)}

	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		if s.Balance.SyncWithDatabase(ctx) {
			res.Synced++
		} else {
			res.Failed++
		}
		s.Tracker.CheckConsistency(ctx)
	}

	r.logger.Info("Balance reconciliation completed",
		zap.Int("sessions", res.Sessions),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", r.clock.Since(start)))
	return res
}

// StartPeriodicReconciliation starts a background goroutine that reconciles periodically
func (r *Reconciler) StartPeriodicReconciliation(interval time.Duration) {
	ticker := r.clock.Ticker(interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		r.logger.Info("Started periodic reconciliation", zap.Duration("interval", interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := r.clock.WithTimeout(context.Background(), r.timeout)
				if res := r.ReconcileAll(ctx); res.Failed > 0 {
					r.logger.Warn("Periodic reconciliation had failures", zap.Int("failed", res.Failed))
				}
				cancel()
			case <-r.stopCh:
				r.logger.Info("Stopping periodic reconciliation")
				return
			}
		}
	}()
}

// Stop stops the periodic reconciliation
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
