package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

type memoryStore struct {
	clock clock.Clock

	mu        sync.RWMutex
	balances  map[string]*UserBalance
	txs       []*Transaction
	referrals map[uuid.UUID]*Referral
	payments  map[uuid.UUID]*PaymentSchedule
}

// NewMemoryStore returns a process-local Store; a nil clock uses wall time
func NewMemoryStore(clk clock.Clock) Store {
	if clk == nil {
		clk = clock.New()
	}
	return &memoryStore{
		clock:     clk,
		balances:  make(map[string]*UserBalance),
		referrals: make(map[uuid.UUID]*Referral),
		payments:  make(map[uuid.UUID]*PaymentSchedule),
	}
}

func (m *memoryStore) EnsureUserBalance(_ context.Context, userID string, tier plan.Tier) (*UserBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ub, ok := m.balances[userID]
	if !ok {
		now := m.clock.Now()
		ub = &UserBalance{ID: userID, Balance: decimal.Zero, Subscription: tier, CreatedAt: now, UpdatedAt: now}
		m.balances[userID] = ub
	}
	cp := *ub
	return &cp, nil
}

func (m *memoryStore) GetUserBalance(_ context.Context, userID string) (*UserBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ub, ok := m.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ub
	return &cp, nil
}

func (m *memoryStore) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	return m.updateBalance(userID, func(ub *UserBalance) { ub.Balance = balance })
}

func (m *memoryStore) IncrementBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	return m.updateBalance(userID, func(ub *UserBalance) { ub.Balance = ub.Balance.Add(amount) })
}

func (m *memoryStore) SetSubscription(_ context.Context, userID string, tier plan.Tier) error {
	return m.updateBalance(userID, func(ub *UserBalance) { ub.Subscription = tier })
}

func (m *memoryStore) IncrementSessionCount(_ context.Context, userID string) error {
	now := m.clock.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return m.updateBalance(userID, func(ub *UserBalance) {
		if !ub.SessionCountDate.Equal(day) {
			ub.DailySessionCount = 0
			ub.SessionCountDate = day
		}
		ub.DailySessionCount++
	})
}

func (m *memoryStore) updateBalance(userID string, fn func(*UserBalance)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ub, ok := m.balances[userID]
	if !ok {
		return ErrNotFound
	}
	fn(ub)
	ub.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memoryStore) InsertTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.txs = append(m.txs, &cp)
	return nil
}

func (m *memoryStore) ListTransactions(_ context.Context, userID string, since time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID && !tx.Date.Before(since) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *memoryStore) GetReferral(_ context.Context, referrerID, referredUserID string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.referrals {
		if r.ReferrerID == referrerID && r.ReferredUserID == referredUserID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryStore) InsertReferral(_ context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.referrals {
		if existing.ReferrerID == r.ReferrerID && existing.ReferredUserID == r.ReferredUserID {
			return ErrDuplicate
		}
	}
	cp := *r
	m.referrals[r.ID] = &cp
	return nil
}

func (m *memoryStore) UpdateReferral(_ context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.referrals[r.ID]
	if !ok {
		return ErrNotFound
	}
	existing.PlanType = r.PlanType
	existing.Status = r.Status
	existing.CommissionRate = r.CommissionRate
	existing.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memoryStore) ListReferralsByStatus(_ context.Context, status ReferralStatus) ([]*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Referral
	for _, r := range m.referrals {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) CountReferrals(_ context.Context, referrerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.referrals {
		if r.ReferrerID == referrerID {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) InsertPaymentSchedule(_ context.Context, p *PaymentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memoryStore) ListDuePayments(_ context.Context, now time.Time) ([]*PaymentSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PaymentSchedule
	for _, p := range m.payments {
		if p.Status == PaymentPending && !p.PaymentDate.After(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaymentDate.Before(out[j].PaymentDate) })
	return out, nil
}

func (m *memoryStore) ClaimPayment(_ context.Context, id uuid.UUID) error {
	return m.movePayment(id, PaymentPending, PaymentPaid)
}

func (m *memoryStore) ReleasePayment(_ context.Context, id uuid.UUID) error {
	return m.movePayment(id, PaymentPaid, PaymentPending)
}

func (m *memoryStore) movePayment(id uuid.UUID, from, to PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return ErrNotFound
	}
	p.Status = to
	return nil
}
