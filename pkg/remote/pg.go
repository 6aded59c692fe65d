package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

type pgStore struct {
	db *bun.DB
}

// NewPGStore creates a new postgres implementation of the remote store
func NewPGStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) EnsureUserBalance(ctx context.Context, userID string, tier plan.Tier) (*UserBalance, error) {
	dao := &UserBalanceDao{
		ID:           userID,
		Balance:      decimal.Zero,
		Subscription: string(tier),
	}
	_, err := s.db.NewInsert().
		Model(dao).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user balance: %w", err)
	}
	return s.GetUserBalance(ctx, userID)
}

func (s *pgStore) GetUserBalance(ctx context.Context, userID string) (*UserBalance, error) {
	dao := new(UserBalanceDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user balance: %w", err)
	}
	return toUserBalance(dao), nil
}

func (s *pgStore) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	res, err := s.db.NewUpdate().
		Model((*UserBalanceDao)(nil)).
		Set("balance = ?", balance).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return requireAffected(res)
}

func (s *pgStore) IncrementBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	res, err := s.db.NewUpdate().
		TableExpr("user_balances").
		Set("balance = COALESCE(balance, 0) + ?::DECIMAL", amount).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to increment balance: %w", err)
	}
	return requireAffected(res)
}

func (s *pgStore) SetSubscription(ctx context.Context, userID string, tier plan.Tier) error {
	res, err := s.db.NewUpdate().
		Model((*UserBalanceDao)(nil)).
		Set("subscription = ?", string(tier)).
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return requireAffected(res)
}

func (s *pgStore) IncrementSessionCount(ctx context.Context, userID string) error {
	res, err := s.db.NewUpdate().
		TableExpr("user_balances").
		Set("daily_session_count = CASE WHEN session_count_date = CURRENT_DATE THEN daily_session_count + 1 ELSE 1 END").
		Set("session_count_date = CURRENT_DATE").
		Set("updated_at = NOW()").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to increment session count: %w", err)
	}
	return requireAffected(res)
}

func (s *pgStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	_, err := s.db.NewInsert().
		Model(toTransactionDao(tx)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *pgStore) ListTransactions(ctx context.Context, userID string, since time.Time) ([]*Transaction, error) {
	var daos []TransactionDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("user_id = ?", userID).
		Where("date >= ?", since).
		Order("date ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	txs := make([]*Transaction, len(daos))
	for i := range daos {
		txs[i] = toTransaction(&daos[i])
	}
	return txs, nil
}

func (s *pgStore) GetReferral(ctx context.Context, referrerID, referredUserID string) (*Referral, error) {
	dao := new(ReferralDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("referrer_id = ?", referrerID).
		Where("referred_user_id = ?", referredUserID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return toReferral(dao), nil
}

func (s *pgStore) InsertReferral(ctx context.Context, r *Referral) error {
	_, err := s.db.NewInsert().
		Model(toReferralDao(r)).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateReferral(ctx context.Context, r *Referral) error {
	res, err := s.db.NewUpdate().
		Model((*ReferralDao)(nil)).
		Set("plan_type = ?", string(r.PlanType)).
		Set("status = ?", string(r.Status)).
		Set("commission_rate = ?", r.CommissionRate).
		Set("updated_at = NOW()").
		Where("id = ?", r.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	return requireAffected(res)
}

func (s *pgStore) ListReferralsByStatus(ctx context.Context, status ReferralStatus) ([]*Referral, error) {
	var daos []ReferralDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	refs := make([]*Referral, len(daos))
	for i := range daos {
		refs[i] = toReferral(&daos[i])
	}
	return refs, nil
}

func (s *pgStore) CountReferrals(ctx context.Context, referrerID string) (int, error) {
	n, err := s.db.NewSelect().
		Model((*ReferralDao)(nil)).
		Where("referrer_id = ?", referrerID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return n, nil
}

func (s *pgStore) InsertPaymentSchedule(ctx context.Context, p *PaymentSchedule) error {
	_, err := s.db.NewInsert().
		Model(toPaymentScheduleDao(p)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert payment schedule: %w", err)
	}
	return nil
}

func (s *pgStore) ListDuePayments(ctx context.Context, now time.Time) ([]*PaymentSchedule, error) {
	var daos []PaymentScheduleDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("status = ?", string(PaymentPending)).
		Where("payment_date <= ?", now).
		Order("payment_date ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list due payments: %w", err)
	}
	out := make([]*PaymentSchedule, len(daos))
	for i := range daos {
		out[i] = toPaymentSchedule(&daos[i])
	}
	return out, nil
}

func (s *pgStore) ClaimPayment(ctx context.Context, id uuid.UUID) error {
	return s.movePayment(ctx, id, PaymentPending, PaymentPaid)
}

func (s *pgStore) ReleasePayment(ctx context.Context, id uuid.UUID) error {
	return s.movePayment(ctx, id, PaymentPaid, PaymentPending)
}

func (s *pgStore) movePayment(ctx context.Context, id uuid.UUID, from, to PaymentStatus) error {
	res, err := s.db.NewUpdate().
		Model((*PaymentScheduleDao)(nil)).
		Set("status = ?", string(to)).
		Where("id = ?", id).
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to move payment to %s: %w", to, err)
	}
	return requireAffected(res)
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
