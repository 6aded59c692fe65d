package remote

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

func TestMemoryStore_Balances(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewMock())

	_, err := s.GetUserBalance(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetBalance(ctx, "u1", decimal.NewFromInt(1)), ErrNotFound)

	ub, err := s.EnsureUserBalance(ctx, "u1", plan.Gold)
	require.NoError(t, err)
	assert.True(t, ub.Balance.IsZero())
	assert.Equal(t, plan.Gold, ub.Subscription)

	require.NoError(t, s.SetBalance(ctx, "u1", decimal.RequireFromString("10.5")))
	require.NoError(t, s.IncrementBalance(ctx, "u1", decimal.RequireFromString("0.25")))
	require.NoError(t, s.IncrementSessionCount(ctx, "u1"))

	// ensuring again keeps the existing row
	ub, err = s.EnsureUserBalance(ctx, "u1", plan.Freemium)
	require.NoError(t, err)
	assert.Equal(t, "10.75", ub.Balance.String())
	assert.Equal(t, plan.Gold, ub.Subscription)
	assert.Equal(t, 1, ub.DailySessionCount)

	// returned rows are copies
	ub.Balance = decimal.Zero
	again, err := s.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "10.75", again.Balance.String())
}

func TestMemoryStore_SessionCountResetsDaily(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	_, err := s.EnsureUserBalance(ctx, "u1", plan.Gold)
	require.NoError(t, err)

	require.NoError(t, s.IncrementSessionCount(ctx, "u1"))
	require.NoError(t, s.IncrementSessionCount(ctx, "u1"))
	ub, err := s.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, ub.DailySessionCount)

	clk.Add(2 * time.Hour)
	require.NoError(t, s.IncrementSessionCount(ctx, "u1"))
	ub, err = s.GetUserBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, ub.DailySessionCount)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), ub.SessionCountDate)
}

func TestMemoryStore_Transactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{day.Add(5 * time.Hour), day.Add(-2 * time.Hour), day.Add(time.Hour)} {
		tx := NewTransaction("u1", decimal.NewFromInt(int64(i+1)), "session", at)
		require.NoError(t, s.InsertTransaction(ctx, tx))
	}
	require.NoError(t, s.InsertTransaction(ctx, NewTransaction("u2", decimal.NewFromInt(9), "session", day)))

	txs, err := s.ListTransactions(ctx, "u1", day)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Date.Before(txs[1].Date))
	assert.Equal(t, "3", txs[0].Gain.String())
}

func TestMemoryStore_Referrals(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewMemoryStore(clk)

	r := &Referral{
		ID:             uuid.New(),
		ReferrerID:     "ref",
		ReferredUserID: "u1",
		PlanType:       plan.Starter,
		Status:         ReferralActive,
		CommissionRate: decimal.RequireFromString("0.3"),
		CreatedAt:      clk.Now(),
	}
	require.NoError(t, s.InsertReferral(ctx, r))
	require.ErrorIs(t, s.InsertReferral(ctx, &Referral{ID: uuid.New(), ReferrerID: "ref", ReferredUserID: "u1"}), ErrDuplicate)

	got, err := s.GetReferral(ctx, "ref", "u1")
	require.NoError(t, err)
	assert.Equal(t, plan.Starter, got.PlanType)

	got.Status = ReferralPaid
	require.NoError(t, s.UpdateReferral(ctx, got))

	active, err := s.ListReferralsByStatus(ctx, ReferralActive)
	require.NoError(t, err)
	assert.Empty(t, active)
	paid, err := s.ListReferralsByStatus(ctx, ReferralPaid)
	require.NoError(t, err)
	assert.Len(t, paid, 1)

	n, err := s.CountReferrals(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetReferral(ctx, "ref", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DuePayments(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewMemoryStore(clk)
	now := clk.Now()

	due := &PaymentSchedule{ID: uuid.New(), ReferrerID: "ref", Amount: decimal.NewFromInt(5), PaymentDate: now.Add(-time.Hour), Status: PaymentPending}
	later := &PaymentSchedule{ID: uuid.New(), ReferrerID: "ref", Amount: decimal.NewFromInt(6), PaymentDate: now.Add(time.Hour), Status: PaymentPending}
	require.NoError(t, s.InsertPaymentSchedule(ctx, due))
	require.NoError(t, s.InsertPaymentSchedule(ctx, later))

	got, err := s.ListDuePayments(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	require.NoError(t, s.ClaimPayment(ctx, due.ID))
	got, err = s.ListDuePayments(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, s.ClaimPayment(ctx, due.ID), ErrNotFound)
	assert.ErrorIs(t, s.ClaimPayment(ctx, uuid.New()), ErrNotFound)

	require.NoError(t, s.ReleasePayment(ctx, due.ID))
	assert.ErrorIs(t, s.ReleasePayment(ctx, due.ID), ErrNotFound)
	got, err = s.ListDuePayments(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestDailyGainsFromTransactions(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)

	txs := []*Transaction{
		NewTransaction("u1", decimal.RequireFromString("0.10"), "session", day),
		NewTransaction("u1", decimal.RequireFromString("0.05"), "session", day.Add(10*time.Hour)),
		// 23:30 UTC on the 9th is 01:30 local on the 10th
		NewTransaction("u1", decimal.RequireFromString("0.20"), "session", time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC)),
		NewTransaction("u1", decimal.RequireFromString("0.40"), "session", day.AddDate(0, 0, -1)),
		NewTransaction("u1", decimal.RequireFromString("-3"), "Withdrawal", day),
		NewTransaction("u1", decimal.RequireFromString("29.70"), CommissionReportPrefix+" from u2", day),
	}

	got := DailyGainsFromTransactions(txs, day)
	assert.Equal(t, "0.35", got.StringFixed(2))
	assert.True(t, DailyGainsFromTransactions(nil, day).IsZero())
}

func TestStartOfDay(t *testing.T) {
	at := time.Date(2026, 3, 10, 17, 45, 3, 9, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), StartOfDay(at))
}
