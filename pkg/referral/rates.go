// Package referral tracks referrals and pays referrers their commission.
package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
)

// BalanceReader resolves a user's subscription
type BalanceReader interface {
	GetUserBalance(ctx context.Context, userID string) (*remote.UserBalance, error)
}

type rateEntry struct {
	rate    decimal.Decimal
	expires time.Time
}

// RateCache caches each referrer's commission rate, derived from their tier
type RateCache struct {
	remote  BalanceReader
	catalog *plan.Catalog
	retry   *retry.Policy
	ttl     time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	entries map[string]rateEntry
}

// NewRateCache creates a cache whose entries live for ttl
func NewRateCache(remoteStore BalanceReader, catalog *plan.Catalog, policy *retry.Policy, ttl time.Duration, clk clock.Clock) *RateCache {
	if clk == nil {
		clk = clock.New()
	}
	return &RateCache{
		remote:  remoteStore,
		catalog: catalog,
		retry:   policy,
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]rateEntry),
	}
}

// Rate returns the referrer's commission rate
func (c *RateCache) Rate(ctx context.Context, referrerID string) (decimal.Decimal, error) {
	now := c.clock.Now()
	c.mu.Lock()
	e, ok := c.entries[referrerID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.rate, nil
	}

	var rb *remote.UserBalance
	err := c.retry.Do(ctx, "get_referrer", func() error {
		var err error
		rb, err = c.remote.GetUserBalance(ctx, referrerID)
		if errors.Is(err, remote.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve commission rate of %s: %w", referrerID, err)
	}

	rate := c.catalog.Get(rb.Subscription).CommissionRate
	c.mu.Lock()
	c.entries[referrerID] = rateEntry{rate: rate, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return rate, nil
}

// Invalidate drops the referrer's cached rate
func (c *RateCache) Invalidate(referrerID string) {
	c.mu.Lock()
	delete(c.entries, referrerID)
	c.mu.Unlock()
}
