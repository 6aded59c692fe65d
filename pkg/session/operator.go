package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
	"github.com/chainsafe/revenue-middleware/pkg/balance"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/gains"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
)

// RemoteStore is the part of the remote store sessions use
type RemoteStore interface {
	GetUserBalance(ctx context.Context, userID string) (*remote.UserBalance, error)
	IncrementSessionCount(ctx context.Context, userID string) error
	CountReferrals(ctx context.Context, referrerID string) (int, error)
}

// Profile is what the calculator needs to know about the user
type Profile struct {
	Tier          plan.Tier
	CreatedAt     time.Time
	ReferralCount int
}

// Operator runs one user's sessions
type Operator struct {
	userID  string
	remote  RemoteStore
	tracker *gains.Tracker
	balance *balance.Manager
	store   *kvstore.Accessor
	calc    *Calculator
	catalog *plan.Catalog
	bus     events.Publisher
	clock   clock.Clock
	logger  *zap.Logger

	botKey   string
	inFlight atomic.Bool

	mu      sync.RWMutex
	profile *Profile
}

// NewOperator creates the session operator of userID
func NewOperator(
	userID string,
	remoteStore RemoteStore,
	tracker *gains.Tracker,
	manager *balance.Manager,
	store *kvstore.Accessor,
	calc *Calculator,
	catalog *plan.Catalog,
	bus events.Publisher,
	logger *zap.Logger,
) *Operator {
	return &Operator{
		userID:  userID,
		remote:  remoteStore,
		tracker: tracker,
		balance: manager,
		store:   store,
		calc:    calc,
		catalog: catalog,
		bus:     bus,
		clock:   store.Clock(),
		logger:  logger.With(zap.String("user_id", userID)),
		botKey:  kvstore.UserKey(userID, kvstore.NameBotActive),
	}
}

// LoadProfile refreshes the cached tier, account age and referral count
func (o *Operator) LoadProfile(ctx context.Context) (*Profile, error) {
	rb, err := o.remote.GetUserBalance(ctx, o.userID)
	if err != nil {
		if cached := o.cachedProfile(); cached != nil {
			o.logger.Warn("Using cached profile, remote fetch failed", zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	count, err := o.remote.CountReferrals(ctx, o.userID)
	if err != nil {
		o.logger.Warn("Failed to count referrals", zap.Error(err))
		if cached := o.cachedProfile(); cached != nil {
			count = cached.ReferralCount
		}
	}

	p := &Profile{Tier: rb.Subscription, CreatedAt: rb.CreatedAt, ReferralCount: count}
	o.mu.Lock()
	o.profile = p
	o.mu.Unlock()
	return p, nil
}

// Plan returns the plan of the cached tier, or the catalog default before
// the first profile load
func (o *Operator) Plan() plan.Plan {
	if p := o.cachedProfile(); p != nil {
		return o.catalog.Get(p.Tier)
	}
	return o.catalog.Fallback()
}

// BotActive reports the persisted bot flag
func (o *Operator) BotActive(ctx context.Context) bool {
	return o.store.Read(ctx, o.botKey, "false") == "true"
}

// SetBotActive persists the bot flag and publishes BotStatusChanged.
// Activation is refused once today's limit is reached.
func (o *Operator) SetBotActive(ctx context.Context, active bool, reason string) error {
	if active {
		limit := o.Plan().DailyLimit
		if o.tracker.Get(ctx).GreaterThanOrEqual(limit) {
			return ErrDailyLimitReached
		}
	}
	if err := o.store.Persist(ctx, o.botKey, strconv.FormatBool(active)); err != nil {
		return fmt.Errorf("failed to persist bot flag: %w", err)
	}
	o.logger.Info("Bot status changed", zap.Bool("active", active), zap.String("reason", reason))
	o.bus.Publish(events.BotStatusChanged{
		Meta:   events.NewMeta(o.userID, o.clock.Now()),
		Active: active,
		Reason: reason,
	})
	return nil
}

// RunAutoSession runs an automatic session; an overlapping run is not an error
func (o *Operator) RunAutoSession(ctx context.Context) error {
	_, err := o.RunSession(ctx, KindAuto)
	if errors.Is(err, ErrSessionInProgress) {
		return nil
	}
	return err
}

// RunSession computes and credits one session's gain. At most one session
// runs per user at a time.
func (o *Operator) RunSession(ctx context.Context, kind Kind) (*Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		metrics.SessionsTotal.WithLabelValues(string(kind), "in_progress").Inc()
		return nil, ErrSessionInProgress
	}
	defer o.inFlight.Store(false)

	profile, err := o.LoadProfile(ctx)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}
	p := o.catalog.Get(profile.Tier)

	o.tracker.Flush(ctx)
	todays := o.tracker.Get(ctx)
	gain := o.calc.GenerateGain(profile.Tier, todays, profile.ReferralCount, o.clock.Since(profile.CreatedAt))
	if gain.LimitReached {
		o.limitReached(ctx, p)
		metrics.SessionsTotal.WithLabelValues(string(kind), "limit").Inc()
		return &Result{
			Gain:         decimal.Zero,
			NewBalance:   o.balance.Current(),
			DailyGains:   todays,
			LimitReached: true,
		}, nil
	}

	tx, err := o.balance.AddTransaction(ctx, o.userID, gain.Amount, kind.Report())
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}

	total, err := o.tracker.Credit(ctx, gain.Amount)
	if err != nil {
		total = todays.Add(gain.Amount)
		o.logger.Warn("Failed to update daily gains", zap.Stringer("total", total), zap.Error(err))
	}

	newBalance := o.balance.Credit(ctx, gain.Amount)

	if !o.balance.SyncWithDatabase(ctx) {
		// the reconciler pushes the larger local balance later
		o.logger.Warn("Failed to push session gain to remote", zap.Stringer("balance", newBalance))
	}
	if err := o.remote.IncrementSessionCount(ctx, o.userID); err != nil {
		o.logger.Warn("Failed to increment session count", zap.Error(err))
	}

	o.bus.Publish(events.SessionGain{
		Meta:       events.NewMeta(o.userID, o.clock.Now()),
		Amount:     gain.Amount,
		NewBalance: newBalance,
		Kind:       string(kind),
	})
	amount, _ := gain.Amount.Float64()
	metrics.SessionGain.Observe(amount)
	metrics.SessionsTotal.WithLabelValues(string(kind), "gain").Inc()

	res := &Result{Gain: gain.Amount, NewBalance: newBalance, DailyGains: total, Transaction: tx}
	if total.GreaterThanOrEqual(p.DailyLimit) {
		o.limitReached(ctx, p)
		res.LimitReached = true
	}
	return res, nil
}

func (o *Operator) limitReached(ctx context.Context, p plan.Plan) {
	if o.BotActive(ctx) {
		if err := o.SetBotActive(ctx, false, "daily_limit"); err != nil {
			o.logger.Warn("Failed to stop bot at daily limit", zap.Error(err))
		}
	}
	o.logger.Info("Daily limit reached", zap.String("tier", string(p.Tier)), zap.Stringer("limit", p.DailyLimit))
	o.bus.Publish(events.DailyLimitReached{
		Meta:         events.NewMeta(o.userID, o.clock.Now()),
		Subscription: string(p.Tier),
		Limit:        p.DailyLimit,
	})
}

func (o *Operator) cachedProfile() *Profile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.profile
}
