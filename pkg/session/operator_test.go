package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chainsafe/revenue-middleware/pkg/balance"
	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/gains"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
)

type collector struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *collector) handle(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *collector) limits() []events.DailyLimitReached {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.DailyLimitReached
	for _, ev := range c.evs {
		if e, ok := ev.(events.DailyLimitReached); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *collector) gains() []events.SessionGain {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.SessionGain
	for _, ev := range c.evs {
		if e, ok := ev.(events.SessionGain); ok {
			out = append(out, e)
		}
	}
	return out
}

// faultyRemote overrides single calls of the in-memory store
type faultyRemote struct {
	remote.Store
	insertErr error
	gate      chan struct{}
	entered   chan struct{}
}

func (f *faultyRemote) InsertTransaction(ctx context.Context, tx *remote.Transaction) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.Store.InsertTransaction(ctx, tx)
}

func (f *faultyRemote) GetUserBalance(ctx context.Context, userID string) (*remote.UserBalance, error) {
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.gate
	}
	return f.Store.GetUserBalance(ctx, userID)
}

type fixture struct {
	op      *Operator
	clk     *clock.Mock
	remote  *faultyRemote
	tracker *gains.Tracker
	balance *balance.Manager
	events  *collector
}

func newFixture(t *testing.T, tier plan.Tier) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	mem := remote.NewMemoryStore(clk)
	_, err := mem.EnsureUserBalance(ctx, "u1", tier)
	require.NoError(t, err)
	rs := &faultyRemote{Store: mem}

	store := kvstore.New(kvstore.NewMemoryBackend(), cfg.Store, clk, zap.NewNop())
	bus := events.NewBus(zap.NewNop())
	col := &collector{}
	bus.Subscribe(col.handle)
	policy := retry.New(config.RetryConfig{BaseDelay: time.Millisecond, Multiplier: 2, MaxRetries: 1}, zap.NewNop())
	catalog := plan.Default()

	var op *Operator
	tracker := gains.New("u1", store, bus, func() decimal.Decimal { return op.Plan().DailyLimit }, cfg.Gains, zap.NewNop())
	manager := balance.New(ctx, "u1", store, rs, policy, bus, zap.NewNop())
	calc := NewCalculator(cfg.Session, catalog)
	calc.rand = func() float64 { return 1 }
	op = NewOperator("u1", rs, tracker, manager, store, calc, catalog, bus, zap.NewNop())

	return &fixture{op: op, clk: clk, remote: rs, tracker: tracker, balance: manager, events: col}
}

func TestOperator_DailyLimitScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Freemium)
	require.NoError(t, f.op.SetBotActive(ctx, true, "user"))

	res, err := f.op.RunSession(ctx, KindAuto)
	require.NoError(t, err)
	assert.Equal(t, "0.3", res.Gain.String())
	assert.False(t, res.LimitReached)
	assert.True(t, f.op.BotActive(ctx))

	// past the tracker throttle
	f.clk.Add(time.Second)
	res, err = f.op.RunSession(ctx, KindAuto)
	require.NoError(t, err)
	assert.Equal(t, "0.2", res.Gain.String())
	assert.Equal(t, "0.5", res.DailyGains.String())
	assert.True(t, res.LimitReached)
	assert.False(t, f.op.BotActive(ctx))

	limits := f.events.limits()
	require.Len(t, limits, 1)
	assert.Equal(t, "freemium", limits[0].Subscription)
	assert.Equal(t, "u1", limits[0].UserID)

	f.clk.Add(time.Second)
	res, err = f.op.RunSession(ctx, KindManual)
	require.NoError(t, err)
	assert.True(t, res.Gain.IsZero())
	assert.True(t, res.LimitReached)

	assert.Equal(t, "0.5", f.tracker.Get(ctx).String())
	assert.Equal(t, "0.5", f.balance.Current().String())

	rb, err := f.remote.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0.5", rb.Balance.String())
	assert.Equal(t, 2, rb.DailySessionCount)

	txs, err := f.remote.ListTransactions(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "0.5", remote.DailyGainsFromTransactions(txs, f.clk.Now()).String())

	require.ErrorIs(t, f.op.SetBotActive(ctx, true, "user"), ErrDailyLimitReached)
}

func TestOperator_SessionGainEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Gold)

	res, err := f.op.RunSession(ctx, KindManual)
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "Manual boost", res.Transaction.Report)

	gs := f.events.gains()
	require.Len(t, gs, 1)
	assert.Equal(t, "0.2", gs[0].Amount.String())
	assert.Equal(t, "0.2", gs[0].NewBalance.String())
	assert.Equal(t, string(KindManual), gs[0].Kind)
	assert.Equal(t, plan.Gold, f.op.Plan().Tier)
}

func TestOperator_BackToBackSessionsKeepDailyGainsInStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Gold)

	for i := 0; i < 3; i++ {
		res, err := f.op.RunSession(ctx, KindManual)
		require.NoError(t, err)
		assert.Equal(t, "0.2", res.Gain.String())
		f.clk.Add(50 * time.Millisecond)
	}

	// let any flush timer fire
	f.clk.Add(time.Second)
	assert.Equal(t, "0.6", f.tracker.Get(ctx).String())
	assert.Equal(t, "0.6", f.balance.Current().String())
	assert.Equal(t, 0, f.tracker.Pending())

	txs, err := f.remote.ListTransactions(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestOperator_TransactionFailureLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Freemium)
	f.remote.insertErr = errors.New("remote down")

	_, err := f.op.RunSession(ctx, KindAuto)
	require.Error(t, err)
	assert.True(t, f.balance.Current().IsZero())
	assert.True(t, f.tracker.Get(ctx).IsZero())
}

func TestOperator_RejectsOverlappingSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Freemium)
	f.remote.gate = make(chan struct{})
	f.remote.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.op.RunSession(ctx, KindAuto)
		done <- err
	}()
	<-f.remote.entered

	_, err := f.op.RunSession(ctx, KindManual)
	require.ErrorIs(t, err, ErrSessionInProgress)
	require.NoError(t, f.op.RunAutoSession(ctx), "overlapping auto sessions are skipped")

	close(f.remote.gate)
	require.NoError(t, <-done)
}

func TestOperator_ProfileFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Starter)

	_, err := f.op.LoadProfile(ctx)
	require.NoError(t, err)

	f.remote.Store = remote.NewMemoryStore(f.clk)
	p, err := f.op.LoadProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, plan.Starter, p.Tier)
}

func TestOperator_NoProfileFails(t *testing.T) {
	f := newFixture(t, plan.Starter)
	f.remote.Store = remote.NewMemoryStore(f.clk)

	_, err := f.op.RunSession(context.Background(), KindAuto)
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestLogService_LogsCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plan.Freemium)
	core, logs := observer.New(zap.InfoLevel)
	svc := NewLog(f.op, zap.New(core))

	_, err := svc.RunSession(ctx, KindManual)
	require.NoError(t, err)
	require.NoError(t, svc.SetBotActive(ctx, true, "user"))
	assert.True(t, svc.BotActive(ctx))

	completed := logs.FilterMessage("RunSession completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, "manual", completed[0].ContextMap()["kind"])
	assert.Equal(t, 1, logs.FilterMessage("SetBotActive completed").Len())
}
