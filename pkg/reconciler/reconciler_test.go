package reconciler

import (
	"context"
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
	"github.com/chainsafe/revenue-middleware/pkg/usersession"
)

func setup(t *testing.T) (*usersession.Registry, remote.Store, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	rs := remote.NewMemoryStore(clk)
	reg := usersession.NewRegistry(usersession.Deps{
		Store:   kvstore.New(kvstore.NewMemoryBackend(), cfg.Store, clk, zap.NewNop()),
		Remote:  rs,
		Bus:     events.NewBus(zap.NewNop()),
		Catalog: plan.Default(),
		Retry:   retry.New(config.RetryConfig{BaseDelay: time.Millisecond, Multiplier: 2}, zap.NewNop()),
		Config:  cfg,
		Logger:  zap.NewNop(),
	})
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return reg, rs, clk
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	reg, rs, clk := setup(t)

	s1, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	s2, err := reg.Open(ctx, "u2")
	require.NoError(t, err)

	require.True(t, s1.Balance.Update(ctx, decimal.RequireFromString("2.5")))
	require.NoError(t, rs.SetBalance(ctx, "u2", decimal.RequireFromString("7")))

	r := New(reg, time.Minute, clk, zap.NewNop())
	res := r.ReconcileAll(ctx)
	assert.Equal(t, Result{Sessions: 2, Synced: 2}, res)

	rb, err := rs.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2.5", rb.Balance.String())
	assert.Equal(t, "7", s2.Balance.Current().String())

	// a second pass changes nothing
	assert.Equal(t, Result{Sessions: 2, Synced: 2}, r.ReconcileAll(ctx))
	assert.Equal(t, "2.5", s1.Balance.Current().String())
}

func TestReconcileAll_StopsOnCancelledContext(t *testing.T) {
	reg, _, clk := setup(t)
	_, err := reg.Open(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(reg, time.Minute, clk, zap.NewNop()).ReconcileAll(ctx)
	assert.Equal(t, Result{Sessions: 1}, res)
}

func TestPeriodicReconciliation(t *testing.T) {
	ctx := context.Background()
	reg, rs, clk := setup(t)
	s, err := reg.Open(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, rs.SetBalance(ctx, "u1", decimal.RequireFromString("5")))

	r := New(reg, time.Second, clk, zap.NewNop())
	r.StartPeriodicReconciliation(time.Minute)

	clk.Add(30 * time.Second)
	assert.Never(t, func() bool {
		return s.Balance.Current().Equal(decimal.RequireFromString("5"))
	}, 50*time.Millisecond, 5*time.Millisecond)

	clk.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return s.Balance.Current().Equal(decimal.RequireFromString("5"))
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}
