package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
)

// ErrInvalidReferral is returned for self referrals, empty ids, unknown plans
// and unknown referrers
var ErrInvalidReferral = errors.New("invalid referral")

// Store is the part of the remote store referral tracking uses
type Store interface {
	GetReferral(ctx context.Context, referrerID, referredUserID string) (*remote.Referral, error)
	InsertReferral(ctx context.Context, r *remote.Referral) error
	UpdateReferral(ctx context.Context, r *remote.Referral) error
}

// Tracker records referrals with the referrer's rate at the time of purchase
type Tracker struct {
	store   Store
	rates   *RateCache
	catalog *plan.Catalog
	clock   clock.Clock
	logger  *zap.Logger
}

// NewTracker creates a referral tracker
func NewTracker(store Store, rates *RateCache, catalog *plan.Catalog, clk clock.Clock, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{store: store, rates: rates, catalog: catalog, clock: clk, logger: logger}
}

// TrackReferral upserts the referral of referredUserID by referrerID for planType.
// A failed insert is retried once with a freshly resolved rate.
func (t *Tracker) TrackReferral(ctx context.Context, referrerID, referredUserID string, planType plan.Tier) (*remote.Referral, error) {
	referrerID = strings.TrimSpace(referrerID)
	referredUserID = strings.TrimSpace(referredUserID)
	planType = plan.Tier(strings.ToLower(string(planType)))

	switch {
	case referrerID == "" || referredUserID == "":
		return nil, fmt.Errorf("%w: referrer and referred user are required", ErrInvalidReferral)
	case referrerID == referredUserID:
		return nil, fmt.Errorf("%w: self referral", ErrInvalidReferral)
	case !t.catalog.Has(planType):
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidReferral, planType)
	}

	rate, err := t.rates.Rate(ctx, referrerID)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown referrer %s", ErrInvalidReferral, referrerID)
	}
	if err != nil {
		return nil, err
	}

	existing, err := t.store.GetReferral(ctx, referrerID, referredUserID)
	switch {
	case err == nil:
		return t.update(ctx, existing, planType, rate)
	case !errors.Is(err, remote.ErrNotFound):
		return nil, fmt.Errorf("failed to look up referral: %w", err)
	}

	now := t.clock.Now()
	r := &remote.Referral{
		ID:             uuid.New(),
		ReferrerID:     referrerID,
		ReferredUserID: referredUserID,
		PlanType:       planType,
		Status:         remote.ReferralActive,
		CommissionRate: rate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = t.store.InsertReferral(ctx, r)
	if errors.Is(err, remote.ErrDuplicate) {
		// inserted concurrently; fall back to the update path
		existing, err := t.store.GetReferral(ctx, referrerID, referredUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up referral: %w", err)
		}
		return t.update(ctx, existing, planType, rate)
	}
	if err != nil {
		t.logger.Warn("Referral insert failed, retrying with a fresh rate",
			zap.String("referrer_id", referrerID),
			zap.String("referred_user_id", referredUserID),
			zap.Error(err))
		t.rates.Invalidate(referrerID)
		if r.CommissionRate, err = t.rates.Rate(ctx, referrerID); err != nil {
			return nil, err
		}
		if err := t.store.InsertReferral(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to insert referral: %w", err)
		}
	}

	t.logger.Info("Tracked referral",
		zap.String("referrer_id", referrerID),
		zap.String("referred_user_id", referredUserID),
		zap.String("plan", string(planType)),
		zap.Stringer("rate", r.CommissionRate))
	return r, nil
}

// update refreshes the plan and rate; a new plan reopens the commission
func (t *Tracker) update(ctx context.Context, r *remote.Referral, planType plan.Tier, rate decimal.Decimal) (*remote.Referral, error) {
	if r.PlanType != planType {
		r.Status = remote.ReferralActive
	}
	r.PlanType = planType
	r.CommissionRate = rate
	r.UpdatedAt = t.clock.Now()
	if err := t.store.UpdateReferral(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to update referral: %w", err)
	}
	t.logger.Info("Updated referral",
		zap.String("referrer_id", r.ReferrerID),
		zap.String("referred_user_id", r.ReferredUserID),
		zap.String("plan", string(planType)),
		zap.String("status", string(r.Status)))
	return r, nil
}
