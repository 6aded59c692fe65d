package session

import (
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

var minGain = decimal.New(1, -2)

// Gain is the outcome of one revenue calculation
type Gain struct {
	Amount       decimal.Decimal
	Remaining    decimal.Decimal
	LimitReached bool
}

// Calculator computes simulated session gains
type Calculator struct {
	cfg     config.SessionConfig
	catalog *plan.Catalog
	rand    func() float64
}

// NewCalculator creates a calculator over the plan catalog
func NewCalculator(cfg config.SessionConfig, catalog *plan.Catalog) *Calculator {
	return &Calculator{cfg: cfg, catalog: catalog, rand: rand.Float64}
}

// GenerateGain draws a base gain in [BaseMin, BaseMax] and applies the tier,
// tenure and referral multipliers. The result is rounded to cents and never
// exceeds what is left of the tier's daily limit; with no more than
// LimitEpsilon left the gain is zero and LimitReached is set.
func (c *Calculator) GenerateGain(tier plan.Tier, todaysGains decimal.Decimal, referralCount int, accountAge time.Duration) Gain {
	p := c.catalog.Get(tier)
	remaining := p.DailyLimit.Sub(todaysGains)
	if remaining.LessThanOrEqual(decimal.NewFromFloat(c.cfg.LimitEpsilon)) {
		return Gain{Amount: decimal.Zero, Remaining: decimal.Max(remaining, decimal.Zero), LimitReached: true}
	}

	lo := decimal.NewFromFloat(c.cfg.BaseMin)
	hi := decimal.NewFromFloat(c.cfg.BaseMax)
	base := lo.Add(hi.Sub(lo).Mul(decimal.NewFromFloat(c.rand())))

	amount := base.
		Mul(p.GainMultiplier).
		Mul(c.tenureMultiplier(p, accountAge)).
		Mul(c.ReferralBonus(referralCount)).
		Round(2)
	if amount.LessThan(minGain) {
		amount = minGain
	}
	if amount.GreaterThan(remaining) {
		amount = remaining.Truncate(2)
	}
	return Gain{Amount: amount, Remaining: remaining.Sub(amount)}
}

// ReferralBonus is 1 + ReferralBonusStep per referral, capped at ReferralBonusCap
func (c *Calculator) ReferralBonus(count int) decimal.Decimal {
	if count <= 0 {
		return decimal.NewFromInt(1)
	}
	bonus := decimal.NewFromInt(1).Add(decimal.NewFromFloat(c.cfg.ReferralBonusStep).Mul(decimal.NewFromInt(int64(count))))
	return decimal.Min(bonus, decimal.NewFromFloat(c.cfg.ReferralBonusCap))
}

func (c *Calculator) tenureMultiplier(p plan.Plan, accountAge time.Duration) decimal.Decimal {
	if !p.IsFree() {
		return decimal.NewFromInt(1)
	}
	if accountAge < time.Duration(c.cfg.NewUserDays)*24*time.Hour {
		return decimal.NewFromFloat(c.cfg.NewUserMultiplier)
	}
	return decimal.NewFromFloat(c.cfg.FreeTierMultiplier)
}
