// Package remote holds the remote persistent store the balance core syncs
// against: user balance rows, immutable transactions, referrals and the
// deferred commission payment schedule.
package remote

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

var (
	// ErrNotFound is returned when a lookup finds no matching record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with an existing unique record.
	ErrDuplicate = errors.New("duplicate record")
)

// UserBalance is the remote balance row of a user
type UserBalance struct {
	ID                string
	Balance           decimal.Decimal
	Subscription      plan.Tier
	DailySessionCount int
	SessionCountDate  time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transaction is an immutable gain record
type Transaction struct {
	ID        uuid.UUID
	UserID    string
	Gain      decimal.Decimal
	Report    string
	Date      time.Time
	CreatedAt time.Time
}

// NewTransaction creates a transaction dated at now
func NewTransaction(userID string, gain decimal.Decimal, report string, now time.Time) *Transaction {
	return &Transaction{
		ID:        uuid.New(),
		UserID:    userID,
		Gain:      gain,
		Report:    report,
		Date:      now,
		CreatedAt: now,
	}
}

// ReferralStatus is the commission lifecycle of a referral
type ReferralStatus string

// Referral statuses
const (
	ReferralActive    ReferralStatus = "active"
	ReferralScheduled ReferralStatus = "scheduled"
	ReferralPaid      ReferralStatus = "paid"
)

// Referral links a referrer to a user who bought a plan through them
type Referral struct {
	ID             uuid.UUID
	ReferrerID     string
	ReferredUserID string
	PlanType       plan.Tier
	Status         ReferralStatus
	CommissionRate decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PaymentStatus is the state of a scheduled commission payment
type PaymentStatus string

// Payment statuses
const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// PaymentSchedule is a commission credit deferred until PaymentDate
type PaymentSchedule struct {
	ID             uuid.UUID
	ReferrerID     string
	ReferredUserID string
	Amount         decimal.Decimal
	PaymentDate    time.Time
	Status         PaymentStatus
	CreatedAt      time.Time
}

// BalanceStore defines user balance row operations
type BalanceStore interface {
	EnsureUserBalance(ctx context.Context, userID string, tier plan.Tier) (*UserBalance, error)
	GetUserBalance(ctx context.Context, userID string) (*UserBalance, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	IncrementBalance(ctx context.Context, userID string, amount decimal.Decimal) error
	SetSubscription(ctx context.Context, userID string, tier plan.Tier) error
	IncrementSessionCount(ctx context.Context, userID string) error
}

// TransactionStore defines transaction log operations
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, userID string, since time.Time) ([]*Transaction, error)
}

// ReferralStore defines referral and payment schedule operations
type ReferralStore interface {
	GetReferral(ctx context.Context, referrerID, referredUserID string) (*Referral, error)
	InsertReferral(ctx context.Context, r *Referral) error
	UpdateReferral(ctx context.Context, r *Referral) error
	ListReferralsByStatus(ctx context.Context, status ReferralStatus) ([]*Referral, error)
	CountReferrals(ctx context.Context, referrerID string) (int, error)
	InsertPaymentSchedule(ctx context.Context, p *PaymentSchedule) error
	ListDuePayments(ctx context.Context, now time.Time) ([]*PaymentSchedule, error)
	// ClaimPayment moves a pending row to paid. It returns ErrNotFound when no
	// pending row has id, so two runs never both pay it.
	ClaimPayment(ctx context.Context, id uuid.UUID) error
	// ReleasePayment returns a claimed row to pending
	ReleasePayment(ctx context.Context, id uuid.UUID) error
}

// Store is the complete remote store
type Store interface {
	BalanceStore
	TransactionStore
	ReferralStore
}

// CommissionReportPrefix starts the report of every referral commission transaction
const CommissionReportPrefix = "Referral commission"

// IsCommission reports whether tx credits a referral commission
func (tx *Transaction) IsCommission() bool {
	return strings.HasPrefix(tx.Report, CommissionReportPrefix)
}

// DailyGainsFromTransactions sums the positive session gains dated on day
// (in day's location). Commissions and withdrawals are not earnings.
func DailyGainsFromTransactions(txs []*Transaction, day time.Time) decimal.Decimal {
	y, m, d := day.Date()
	total := decimal.Zero
	for _, tx := range txs {
		if !tx.Gain.IsPositive() || tx.IsCommission() {
			continue
		}
		ty, tm, td := tx.Date.In(day.Location()).Date()
		if ty == y && tm == m && td == d {
			total = total.Add(tx.Gain)
		}
	}
	return total
}

// StartOfDay returns local midnight of t
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
