package balance

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

	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
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

func (c *collector) names() []events.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Name, len(c.evs))
	for i, ev := range c.evs {
		out[i] = ev.EventName()
	}
	return out
}

type fixture struct {
	manager *Manager
	store   *kvstore.Accessor
	backend kvstore.Backend
	remote  remote.Store
	events  *collector
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRetry() *retry.Policy {
	return retry.New(config.RetryConfig{BaseDelay: time.Millisecond, Multiplier: 2, MaxRetries: 2}, zap.NewNop())
}

func newFixture(t *testing.T, rs RemoteStore) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	backend := kvstore.NewMemoryBackend()
	store := kvstore.New(backend, config.Default().Store, clk, zap.NewNop())

	mem := remote.NewMemoryStore(clk)
	_, err := mem.EnsureUserBalance(context.Background(), "u1", plan.Freemium)
	require.NoError(t, err)
	if rs == nil {
		rs = mem
	}

	bus := events.NewBus(zap.NewNop())
	col := &collector{}
	bus.Subscribe(col.handle)

	m := New(context.Background(), "u1", store, rs, testRetry(), bus, zap.NewNop())
	return &fixture{manager: m, store: store, backend: backend, remote: mem, events: col}
}

func TestManager_UpdateIsNonDecreasing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	inputs := []string{"1.5", "0.5", "3", "3", "2.99", "7.25", "0"}
	accepted := []bool{true, false, true, false, false, true, false}

	highest := decimal.Zero
	for i, in := range inputs {
		got := f.manager.Update(ctx, dec(in))
		assert.Equal(t, accepted[i], got, "update(%s)", in)
		if dec(in).GreaterThan(highest) {
			highest = dec(in)
		}
		assert.True(t, f.manager.Current().Equal(highest))
	}

	snap := f.manager.Snapshot()
	assert.Equal(t, "7.25", snap.CurrentBalance.String())
	assert.Equal(t, "7.25", snap.HighestBalance.String())
	assert.Equal(t, "7.25", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameBalance), ""))
	assert.Equal(t, "7.25", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameHighestBalance), ""))
}

func TestManager_UpdatePublishesAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var got []Snapshot
	unsubscribe := f.manager.Subscribe(func(s Snapshot) { got = append(got, s) })

	require.True(t, f.manager.Update(ctx, dec("2")))
	require.False(t, f.manager.Update(ctx, dec("1")))
	unsubscribe()
	unsubscribe()
	require.True(t, f.manager.Update(ctx, dec("3")))

	require.Len(t, got, 1)
	assert.Equal(t, Snapshot{CurrentBalance: dec("2"), HighestBalance: dec("2"), UserID: "u1"}, got[0])
	assert.Equal(t, []events.Name{
		events.NameBalanceLocalUpdate, events.NameBalanceUpdate,
		events.NameBalanceLocalUpdate, events.NameBalanceUpdate,
		events.NameBalanceLocalUpdate, events.NameBalanceUpdate,
	}, f.events.names())
}

func TestManager_LoadFromStoreTakesLargestKnownValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.True(t, f.manager.Update(ctx, dec("40")))

	// the primary key was corrupted behind the accessor
	require.NoError(t, f.backend.Set(ctx, kvstore.UserKey("u1", kvstore.NameBalance), "-5"))
	require.NoError(t, f.backend.Set(ctx, kvstore.UserKey("u1", kvstore.NameBalance+"_backup"), "oops"))
	f.store.ClearCache()
	require.NoError(t, f.backend.Set(ctx, kvstore.UserKey("u1", kvstore.NameHighestBalance), "42"))

	m := New(ctx, "u1", f.store, f.remote, testRetry(), events.NewBus(zap.NewNop()), zap.NewNop())
	assert.Equal(t, "42", m.Current().String())
	assert.Equal(t, "42", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameBalance), ""))
}

func TestManager_ForceUpdateAllowsDrop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.True(t, f.manager.Update(ctx, dec("100")))
	require.NoError(t, f.manager.ForceUpdate(ctx, dec("20"), "withdrawal"))

	snap := f.manager.Snapshot()
	assert.Equal(t, "20", snap.CurrentBalance.String())
	assert.Equal(t, "20", snap.HighestBalance.String())
	assert.Equal(t, "20", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameBalance), ""))
	assert.Contains(t, f.events.names(), events.NameBalanceForceUpdate)

	require.ErrorIs(t, f.manager.ForceUpdate(ctx, dec("-1"), "bad"), ErrInvalidAmount)
}

func TestManager_SyncPullsAndPushesByMax(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// remote higher: pull
	require.NoError(t, f.remote.SetBalance(ctx, "u1", dec("5")))
	assert.True(t, f.manager.SyncWithDatabase(ctx))
	assert.Equal(t, "5", f.manager.Current().String())

	// local higher: push
	require.True(t, f.manager.Update(ctx, dec("8.5")))
	assert.True(t, f.manager.SyncWithDatabase(ctx))
	rb, err := f.remote.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "8.5", rb.Balance.String())
}

func TestManager_SyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.True(t, f.manager.Update(ctx, dec("3.25")))
	require.True(t, f.manager.SyncWithDatabase(ctx))

	before := f.events.names()
	for i := 0; i < 2; i++ {
		assert.True(t, f.manager.SyncWithDatabase(ctx))
	}

	rb, err := f.remote.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "3.25", rb.Balance.String())
	assert.Equal(t, "3.25", f.manager.Current().String())
	assert.Equal(t, before, f.events.names())
}

func TestManager_SyncFailureReturnsFalse(t *testing.T) {
	ctx := context.Background()
	mock := &MockRemoteStore{
		GetUserBalanceFunc: func(context.Context, string) (*remote.UserBalance, error) {
			return nil, errors.New("connection refused")
		},
	}
	f := newFixture(t, mock)
	require.True(t, f.manager.Update(ctx, dec("1")))

	assert.False(t, f.manager.SyncWithDatabase(ctx))
	assert.Equal(t, "1", f.manager.Current().String())
}

func TestManager_AddTransactionRetriesThenNotifies(t *testing.T) {
	ctx := context.Background()
	calls := 0
	mock := &MockRemoteStore{
		InsertTransactionFunc: func(context.Context, *remote.Transaction) error {
			calls++
			if calls < 2 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	f := newFixture(t, mock)

	tx, err := f.manager.AddTransaction(ctx, "u1", dec("0.05"), "Auto session")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "0.05", tx.Gain.String())
	assert.True(t, f.manager.Current().IsZero(), "transactions do not change the balance")

	mock.InsertTransactionFunc = func(context.Context, *remote.Transaction) error { return errors.New("down") }
	_, err = f.manager.AddTransaction(ctx, "u1", dec("0.05"), "Auto session")
	require.Error(t, err)
	assert.Contains(t, f.events.names(), events.NameNotification)
}

func TestManager_Withdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.True(t, f.manager.Update(ctx, dec("50")))
	require.True(t, f.manager.SyncWithDatabase(ctx))

	require.ErrorIs(t, f.manager.Withdraw(ctx, dec("0")), ErrInvalidAmount)
	require.ErrorIs(t, f.manager.Withdraw(ctx, dec("60")), ErrInsufficientBalance)
	assert.Equal(t, "50", f.manager.Current().String())

	require.NoError(t, f.manager.Withdraw(ctx, dec("30")))
	assert.Equal(t, "20", f.manager.Current().String())

	rb, err := f.remote.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "20", rb.Balance.String())

	txs, err := f.remote.ListTransactions(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "-30", txs[0].Gain.String())
	assert.Equal(t, WithdrawalReport, txs[0].Report)

	// the next sync keeps the withdrawn balance on both sides
	assert.True(t, f.manager.SyncWithDatabase(ctx))
	assert.Equal(t, "20", f.manager.Current().String())
}

func TestManager_WithdrawRemoteFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	mock := &MockRemoteStore{
		SetBalanceFunc: func(context.Context, string, decimal.Decimal) error { return errors.New("down") },
	}
	f := newFixture(t, mock)
	require.True(t, f.manager.Update(ctx, dec("10")))

	require.Error(t, f.manager.Withdraw(ctx, dec("4")))
	assert.Equal(t, "10", f.manager.Current().String())
}

func TestManager_WithdrawKeepsGainsAcceptedDuringRemoteWrite(t *testing.T) {
	ctx := context.Background()
	var (
		m      *Manager
		mu     sync.Mutex
		pushed []string
	)
	mock := &MockRemoteStore{
		SetBalanceFunc: func(_ context.Context, _ string, balance decimal.Decimal) error {
			mu.Lock()
			first := len(pushed) == 0
			pushed = append(pushed, balance.String())
			mu.Unlock()
			if first {
				require.True(t, m.Update(ctx, m.Current().Add(dec("10"))))
			}
			return nil
		},
	}
	f := newFixture(t, mock)
	m = f.manager
	require.True(t, m.Update(ctx, dec("50")))

	require.NoError(t, m.Withdraw(ctx, dec("30")))
	assert.Equal(t, "30", m.Current().String())
	assert.Equal(t, "30", m.Snapshot().HighestBalance.String())
	assert.Equal(t, "30", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameBalance), ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"20", "30"}, pushed)
}

func TestManager_ResetBalanceSurvivesReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.True(t, f.manager.Update(ctx, dec("12.5")))

	f.manager.ResetBalance(ctx)

	reloaded := New(ctx, "u1", f.store, f.remote, testRetry(), events.NewBus(zap.NewNop()), zap.NewNop())
	assert.True(t, reloaded.Current().IsZero())
	assert.True(t, reloaded.Snapshot().HighestBalance.IsZero())
}

func TestManager_ResetAndCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.True(t, f.manager.Update(ctx, dec("9")))

	f.manager.ResetBalance(ctx)
	snap := f.manager.Snapshot()
	assert.True(t, snap.CurrentBalance.IsZero())
	assert.True(t, snap.HighestBalance.IsZero())
	assert.Equal(t, "0", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameBalance), ""))
	assert.Equal(t, "0", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameHighestBalance), ""))

	f.manager.LoadFromStore(ctx)
	assert.True(t, f.manager.Current().IsZero())
	require.True(t, f.manager.Update(ctx, dec("9")))

	f.manager.CleanupUserBalanceData(ctx)
	snap = f.manager.Snapshot()
	assert.True(t, snap.HighestBalance.IsZero())
	assert.Empty(t, snap.UserID)
	assert.Equal(t, "0", f.store.Read(ctx, kvstore.UserKey("u1", kvstore.NameHighestBalance), ""))
	assert.False(t, f.manager.SyncWithDatabase(ctx))
}

func TestManager_InitializeSwitchesUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.True(t, f.manager.Update(ctx, dec("9")))

	assert.True(t, f.manager.Initialize(ctx, dec("2"), "u2"))
	snap := f.manager.Snapshot()
	assert.Equal(t, "u2", snap.UserID)
	assert.Equal(t, "2", snap.CurrentBalance.String())
	assert.False(t, f.manager.Initialize(ctx, dec("1"), ""))
}
