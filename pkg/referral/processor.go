package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
)

// Commission policies
const (
	PolicyDeferred  = "deferred"
	PolicyImmediate = "immediate"
)

// CommissionStore is the part of the remote store the processor uses
type CommissionStore interface {
	GetReferral(ctx context.Context, referrerID, referredUserID string) (*remote.Referral, error)
	UpdateReferral(ctx context.Context, r *remote.Referral) error
	ListReferralsByStatus(ctx context.Context, status remote.ReferralStatus) ([]*remote.Referral, error)
	InsertPaymentSchedule(ctx context.Context, p *remote.PaymentSchedule) error
	ListDuePayments(ctx context.Context, now time.Time) ([]*remote.PaymentSchedule, error)
	ClaimPayment(ctx context.Context, id uuid.UUID) error
	ReleasePayment(ctx context.Context, id uuid.UUID) error
	InsertTransaction(ctx context.Context, tx *remote.Transaction) error
	IncrementBalance(ctx context.Context, userID string, amount decimal.Decimal) error
}

// Summary counts what one run did
type Summary struct {
	Paid      int `json:"paid"`
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// CommissionFor is price times rate rounded to cents
func CommissionFor(price, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(rate).Round(2)
}

// Processor is the commission batch job
type Processor struct {
	store   CommissionStore
	catalog *plan.Catalog
	retry   *retry.Policy
	cfg     config.CommissionConfig
	clock   clock.Clock
	logger  *zap.Logger
}

// NewProcessor creates a commission processor
func NewProcessor(store CommissionStore, catalog *plan.Catalog, policy *retry.Policy, cfg config.CommissionConfig, clk clock.Clock, logger *zap.Logger) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	return &Processor{store: store, catalog: catalog, retry: policy, cfg: cfg, clock: clk, logger: logger}
}

// Run processes active referrals in batches. Immediate policy credits the
// commission right away; deferred policy schedules it PaymentDelay ahead and
// pays the schedule rows that are due.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	start := p.clock.Now()

	active, err := p.store.ListReferralsByStatus(ctx, remote.ReferralActive)
	if err != nil {
		return sum, fmt.Errorf("failed to list active referrals: %w", err)
	}

	for i := 0; i < len(active); i += p.cfg.BatchSize {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return sum, err
			}
		}
		end := min(i+p.cfg.BatchSize, len(active))
		for _, r := range active[i:end] {
			p.processReferral(ctx, r, &sum)
		}
	}

	if p.cfg.Policy != PolicyImmediate {
		if err := p.payDue(ctx, &sum); err != nil {
			return sum, err
		}
	}

	p.logger.Info("Commission run completed",
		zap.String("policy", p.cfg.Policy),
		zap.Int("referrals", len(active)),
		zap.Int("paid", sum.Paid),
		zap.Int("scheduled", sum.Scheduled),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", p.clock.Since(start)))
	return sum, nil
}

func (p *Processor) processReferral(ctx context.Context, r *remote.Referral, sum *Summary) {
	logger := p.logger.With(
		zap.String("referrer_id", r.ReferrerID),
		zap.String("referred_user_id", r.ReferredUserID))

	amount := CommissionFor(p.catalog.Get(r.PlanType).Price, r.CommissionRate)
	if amount.IsZero() {
		r.Status = remote.ReferralPaid
		if err := p.store.UpdateReferral(ctx, r); err != nil {
			logger.Warn("Failed to close zero commission referral", zap.Error(err))
		}
		sum.Skipped++
		p.count("skipped")
		return
	}

	if p.cfg.Policy == PolicyImmediate {
		if err := p.credit(ctx, r.ReferrerID, r.ReferredUserID, amount); err != nil {
			logger.Error("Failed to credit commission", zap.Stringer("amount", amount), zap.Error(err))
			sum.Failed++
			p.count("failed")
			return
		}
		r.Status = remote.ReferralPaid
		if err := p.store.UpdateReferral(ctx, r); err != nil {
			logger.Error("Commission credited but referral not closed", zap.Error(err))
		}
		sum.Paid++
		p.count("paid")
		return
	}

	sched := &remote.PaymentSchedule{
		ID:             uuid.New(),
		ReferrerID:     r.ReferrerID,
		ReferredUserID: r.ReferredUserID,
		Amount:         amount,
		PaymentDate:    p.clock.Now().Add(p.cfg.PaymentDelay),
		Status:         remote.PaymentPending,
		CreatedAt:      p.clock.Now(),
	}
	if err := p.store.InsertPaymentSchedule(ctx, sched); err != nil {
		logger.Error("Failed to schedule commission", zap.Error(err))
		sum.Failed++
		p.count("failed")
		return
	}
	r.Status = remote.ReferralScheduled
	if err := p.store.UpdateReferral(ctx, r); err != nil {
		logger.Error("Commission scheduled but referral not updated", zap.Error(err))
	}
	logger.Debug("Scheduled commission", zap.Stringer("amount", amount), zap.Time("payment_date", sched.PaymentDate))
	sum.Scheduled++
	p.count("scheduled")
}

func (p *Processor) payDue(ctx context.Context, sum *Summary) error {
	due, err := p.store.ListDuePayments(ctx, p.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to list due payments: %w", err)
	}

	for i := 0; i < len(due); i += p.cfg.BatchSize {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return err
			}
		}
		end := min(i+p.cfg.BatchSize, len(due))
		for _, pay := range due[i:end] {
			logger := p.logger.With(zap.String("payment_id", pay.ID.String()), zap.String("referrer_id", pay.ReferrerID))
			// claim before crediting so a row is paid at most once
			if err := p.store.ClaimPayment(ctx, pay.ID); err != nil {
				if errors.Is(err, remote.ErrNotFound) {
					logger.Debug("Scheduled commission already claimed")
					sum.Skipped++
					p.count("skipped")
					continue
				}
				logger.Error("Failed to claim scheduled commission", zap.Error(err))
				sum.Failed++
				p.count("failed")
				continue
			}
			if err := p.credit(ctx, pay.ReferrerID, pay.ReferredUserID, pay.Amount); err != nil {
				logger.Error("Failed to pay scheduled commission", zap.Error(err))
				if err := p.store.ReleasePayment(ctx, pay.ID); err != nil {
					logger.Error("Failed to release scheduled commission", zap.Error(err))
				}
				sum.Failed++
				p.count("failed")
				continue
			}
			if r, err := p.store.GetReferral(ctx, pay.ReferrerID, pay.ReferredUserID); err == nil && r.Status == remote.ReferralScheduled {
				r.Status = remote.ReferralPaid
				if err := p.store.UpdateReferral(ctx, r); err != nil {
					logger.Warn("Failed to close referral", zap.Error(err))
				}
			}
			sum.Paid++
			p.count("paid")
		}
	}
	return nil
}

// credit records the commission transaction and raises the referrer's balance
func (p *Processor) credit(ctx context.Context, referrerID, referredUserID string, amount decimal.Decimal) error {
	tx := remote.NewTransaction(referrerID, amount, fmt.Sprintf("%s from %s", remote.CommissionReportPrefix, referredUserID), p.clock.Now())
	if err := p.retry.Do(ctx, "insert_commission", func() error {
		return p.store.InsertTransaction(ctx, tx)
	}); err != nil {
		return err
	}
	return p.retry.Do(ctx, "increment_balance", func() error {
		return p.store.IncrementBalance(ctx, referrerID, amount)
	})
}

func (p *Processor) pause(ctx context.Context) error {
	select {
	case <-p.clock.After(p.cfg.BatchPause):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) count(result string) {
	metrics.CommissionTotal.WithLabelValues(p.cfg.Policy, result).Inc()
}
