// Package retry runs remote writes with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/config"
)

// Permanent wraps err so Do returns it without further attempts
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy retries an operation with exponential backoff
type Policy struct {
	cfg    config.RetryConfig
	logger *zap.Logger
}

// New creates a retry policy
func New(cfg config.RetryConfig, logger *zap.Logger) *Policy {
	return &Policy{cfg: cfg, logger: logger}
}

// Do runs fn until it succeeds, returns a permanent error, ctx is done or the
// retry budget is spent. Delays start at BaseDelay and grow by Multiplier.
func (p *Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return fn()
	}, p.backoff(ctx), func(err error, next time.Duration) {
		p.logger.Warn("Retrying remote operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("next_in", next),
			zap.Error(err))
	})
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
	}
	return err
}

func (p *Policy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.BaseDelay
	eb.Multiplier = p.cfg.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.cfg.BaseDelay * time.Duration(1<<uint(p.cfg.MaxRetries+1))
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxRetries)), ctx)
}
