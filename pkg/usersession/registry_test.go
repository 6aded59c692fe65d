package usersession

import (
	"context"
	"sync"
	"sync/atomic"
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

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRegistry(t *testing.T) (*Registry, remote.Store, *kvstore.Accessor, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	rs := remote.NewMemoryStore(clk)
	reg, store := newRegistryOn(t, kvstore.NewMemoryBackend(), rs, clk)
	return reg, rs, store, clk
}

func newRegistryOn(t *testing.T, backend kvstore.Backend, rs remote.Store, clk *clock.Mock) (*Registry, *kvstore.Accessor) {
	t.Helper()
	cfg := config.Default()
	store := kvstore.New(backend, cfg.Store, clk, zap.NewNop())
	reg := NewRegistry(Deps{
		Store:   store,
		Remote:  rs,
		Bus:     events.NewBus(zap.NewNop()),
		Catalog: plan.Default(),
		Retry:   retry.New(config.RetryConfig{BaseDelay: time.Millisecond, Multiplier: 2, MaxRetries: 1}, zap.NewNop()),
		Config:  cfg,
		Logger:  zap.NewNop(),
	})
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return reg, store
}

// gatedRemote blocks EnsureUserBalance for one user until gate is closed
type gatedRemote struct {
	remote.Store
	userID  string
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (g *gatedRemote) EnsureUserBalance(ctx context.Context, userID string, tier plan.Tier) (*remote.UserBalance, error) {
	if userID == g.userID {
		g.calls.Add(1)
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.gate
	}
	return g.Store.EnsureUserBalance(ctx, userID, tier)
}

func TestRegistry_OpenCreatesRemoteRowAndReusesSession(t *testing.T) {
	ctx := context.Background()
	reg, rs, _, _ := newRegistry(t)

	s, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "u1", s.Balance.UserID())

	rb, err := rs.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plan.Freemium, rb.Subscription)

	again, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Len(t, reg.Sessions(), 1)

	_, err = reg.Open(ctx, "")
	require.ErrorIs(t, err, ErrEmptyUserID)
}

func TestRegistry_OpenMergesRemoteState(t *testing.T) {
	ctx := context.Background()
	reg, rs, _, clk := newRegistry(t)

	_, err := rs.EnsureUserBalance(ctx, "u1", plan.Gold)
	require.NoError(t, err)
	require.NoError(t, rs.SetBalance(ctx, "u1", dec("12.5")))
	for _, g := range []string{"0.4", "0.35"} {
		require.NoError(t, rs.InsertTransaction(ctx, remote.NewTransaction("u1", dec(g), "Auto session", clk.Now())))
	}
	// yesterday and commissions do not count toward today's gains
	require.NoError(t, rs.InsertTransaction(ctx, remote.NewTransaction("u1", dec("3"), "Auto session", clk.Now().Add(-24*time.Hour))))
	require.NoError(t, rs.InsertTransaction(ctx, remote.NewTransaction("u1", dec("9"), remote.CommissionReportPrefix+" from u9", clk.Now())))

	s, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "12.5", s.Balance.Current().String())
	assert.Equal(t, "0.75", s.Tracker.Get(ctx).String())
	assert.Equal(t, plan.Gold, s.Operator.Plan().Tier)
}

func TestRegistry_LocalBalancePushedOnOpen(t *testing.T) {
	ctx := context.Background()
	reg, rs, store, _ := newRegistry(t)
	require.NoError(t, store.Persist(ctx, kvstore.UserKey("u1", kvstore.NameBalance), "4.2"))

	_, err := reg.Open(ctx, "u1")
	require.NoError(t, err)

	rb, err := rs.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "4.2", rb.Balance.String())
}

func TestRegistry_SwitchCleansUpPreviousUser(t *testing.T) {
	ctx := context.Background()
	reg, rs, store, _ := newRegistry(t)

	s1, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	require.True(t, s1.Balance.Update(ctx, dec("3")))

	s2, err := reg.Switch(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", s2.UserID)

	_, ok := reg.Get("u1")
	assert.False(t, ok)
	assert.Equal(t, "0", store.Read(ctx, kvstore.UserKey("u1", kvstore.NameBalance), ""))
	assert.Empty(t, s1.Balance.UserID())

	// the balance was pushed before the local data was cleared
	rb, err := rs.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "3", rb.Balance.String())

	reopened, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "3", reopened.Balance.Current().String())
}

func TestSession_Focus(t *testing.T) {
	ctx := context.Background()
	reg, rs, _, _ := newRegistry(t)
	s, err := reg.Open(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, rs.SetBalance(ctx, "u1", dec("8")))
	assert.True(t, s.Focus(ctx))
	assert.Equal(t, "8", s.Balance.Current().String())
}

func TestRegistry_ConcurrentOpenSharesOneSession(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	rs := &gatedRemote{
		Store:   remote.NewMemoryStore(clk),
		userID:  "u1",
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	reg, _ := newRegistryOn(t, kvstore.NewMemoryBackend(), rs, clk)

	var wg sync.WaitGroup
	got := make([]*Session, 2)
	errs := make([]error, 2)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = reg.Open(ctx, "u1")
		}(i)
	}
	<-rs.entered

	// other users open while u1 waits on the remote store
	other, err := reg.Open(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", other.UserID)
	_, ok := reg.Get("u1")
	assert.False(t, ok)

	close(rs.gate)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, got[0], got[1])
	assert.Equal(t, int32(1), rs.calls.Load())
	assert.Len(t, reg.Sessions(), 2)
}

func TestRegistry_CloseAllDropsStoreCache(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	backend := kvstore.NewMemoryBackend()
	reg, store := newRegistryOn(t, backend, remote.NewMemoryStore(clk), clk)

	_, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	key := kvstore.UserKey("u1", kvstore.NameBotActive)
	require.NoError(t, store.Persist(ctx, key, "true"))
	require.NoError(t, backend.Set(ctx, key, "false"))
	assert.Equal(t, "true", store.Read(ctx, key, ""))

	reg.CloseAll(ctx)
	assert.Empty(t, reg.Sessions())
	assert.Equal(t, "false", store.Read(ctx, key, ""))
}
