package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/referral"
)

// CommissionRunner processes one commission pass
type CommissionRunner interface {
	Run(ctx context.Context) (referral.Summary, error)
}

// Pass is the outcome of the most recent commission pass
type Pass struct {
	referral.Summary
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

// Loop runs the commission processor once on start and then every interval
type Loop struct {
	runner   CommissionRunner
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu   sync.Mutex
	last *Pass

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a stopped loop
func NewLoop(runner CommissionRunner, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Loop {
	return &Loop{runner: runner, interval: interval, clock: clk, logger: logger}
}

// Start launches the loop; it ends when ctx is done or Stop is called
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runOnce(ctx)
		if l.interval <= 0 {
			return
		}

		ticker := l.clock.Ticker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.runOnce(ctx)
			}
		}
	}()
}

// Stop cancels a running pass and waits for the loop to exit
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// LastSummary returns the most recent pass, if any finished
func (l *Loop) LastSummary() (Pass, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return Pass{}, false
	}
	return *l.last, true
}

func (l *Loop) runOnce(ctx context.Context) {
	sum, err := l.runner.Run(ctx)
	pass := &Pass{Summary: sum, Finished: l.clock.Now().UTC()}
	if err != nil {
		pass.Error = err.Error()
		l.logger.Warn("Commission pass ended early", zap.Error(err))
	} else {
		l.logger.Info("Commission pass completed",
			zap.Int("paid", sum.Paid),
			zap.Int("scheduled", sum.Scheduled),
			zap.Int("skipped", sum.Skipped),
			zap.Int("failed", sum.Failed))
	}

	l.mu.Lock()
	l.last = pass
	l.mu.Unlock()
}
