package remote

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

// UserBalanceDao maps to the 'user_balances' table.
type UserBalanceDao struct {
	bun.BaseModel     `bun:"table:user_balances,alias:ub"`
	ID                string          `bun:"id,pk,type:varchar(255)"`
	Balance           decimal.Decimal `bun:"balance,notnull,type:numeric(38,18),default:0"`
	Subscription      string          `bun:"subscription,notnull,type:varchar(32),default:'freemium'"`
	DailySessionCount int             `bun:"daily_session_count,notnull,default:0"`
	SessionCountDate  time.Time       `bun:"session_count_date,nullzero,type:date"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// TransactionDao maps to the 'transactions' table.
type TransactionDao struct {
	bun.BaseModel `bun:"table:transactions,alias:tx"`
	ID            uuid.UUID       `bun:"id,pk,type:uuid"`
	UserID        string          `bun:"user_id,notnull,type:varchar(255)"`
	Gain          decimal.Decimal `bun:"gain,notnull,type:numeric(38,18)"`
	Report        string          `bun:"report,notnull,type:text"`
	Date          time.Time       `bun:"date,notnull"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// ReferralDao maps to the 'referrals' table.
type ReferralDao struct {
	bun.BaseModel  `bun:"table:referrals,alias:r"`
	ID             uuid.UUID       `bun:"id,pk,type:uuid"`
	ReferrerID     string          `bun:"referrer_id,notnull,unique:referral_pair,type:varchar(255)"`
	ReferredUserID string          `bun:"referred_user_id,notnull,unique:referral_pair,type:varchar(255)"`
	PlanType       string          `bun:"plan_type,notnull,type:varchar(32)"`
	Status         string          `bun:"status,notnull,type:varchar(16)"`
	CommissionRate decimal.Decimal `bun:"commission_rate,notnull,type:numeric(10,4)"`
	CreatedAt      time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// PaymentScheduleDao maps to the 'commission_payment_schedule' table.
type PaymentScheduleDao struct {
	bun.BaseModel  `bun:"table:commission_payment_schedule,alias:cps"`
	ID             uuid.UUID       `bun:"id,pk,type:uuid"`
	ReferrerID     string          `bun:"referrer_id,notnull,type:varchar(255)"`
	ReferredUserID string          `bun:"referred_user_id,notnull,type:varchar(255)"`
	Amount         decimal.Decimal `bun:"amount,notnull,type:numeric(38,18)"`
	PaymentDate    time.Time       `bun:"payment_date,notnull"`
	Status         string          `bun:"status,notnull,type:varchar(16)"`
	CreatedAt      time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func toUserBalance(dao *UserBalanceDao) *UserBalance {
	return &UserBalance{
		ID:                dao.ID,
		Balance:           dao.Balance,
		Subscription:      plan.Tier(dao.Subscription),
		DailySessionCount: dao.DailySessionCount,
		SessionCountDate:  dao.SessionCountDate,
		CreatedAt:         dao.CreatedAt,
		UpdatedAt:         dao.UpdatedAt,
	}
}

func toTransactionDao(tx *Transaction) *TransactionDao {
	return &TransactionDao{
		ID:        tx.ID,
		UserID:    tx.UserID,
		Gain:      tx.Gain,
		Report:    tx.Report,
		Date:      tx.Date,
		CreatedAt: tx.CreatedAt,
	}
}

func toTransaction(dao *TransactionDao) *Transaction {
	return &Transaction{
		ID:        dao.ID,
		UserID:    dao.UserID,
		Gain:      dao.Gain,
		Report:    dao.Report,
		Date:      dao.Date,
		CreatedAt: dao.CreatedAt,
	}
}

func toReferralDao(r *Referral) *ReferralDao {
	return &ReferralDao{
		ID:             r.ID,
		ReferrerID:     r.ReferrerID,
		ReferredUserID: r.ReferredUserID,
		PlanType:       string(r.PlanType),
		Status:         string(r.Status),
		CommissionRate: r.CommissionRate,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toReferral(dao *ReferralDao) *Referral {
	return &Referral{
		ID:             dao.ID,
		ReferrerID:     dao.ReferrerID,
		ReferredUserID: dao.ReferredUserID,
		PlanType:       plan.Tier(dao.PlanType),
		Status:         ReferralStatus(dao.Status),
		CommissionRate: dao.CommissionRate,
		CreatedAt:      dao.CreatedAt,
		UpdatedAt:      dao.UpdatedAt,
	}
}

func toPaymentScheduleDao(p *PaymentSchedule) *PaymentScheduleDao {
	return &PaymentScheduleDao{
		ID:             p.ID,
		ReferrerID:     p.ReferrerID,
		ReferredUserID: p.ReferredUserID,
		Amount:         p.Amount,
		PaymentDate:    p.PaymentDate,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
	}
}

func toPaymentSchedule(dao *PaymentScheduleDao) *PaymentSchedule {
	return &PaymentSchedule{
		ID:             dao.ID,
		ReferrerID:     dao.ReferrerID,
		ReferredUserID: dao.ReferredUserID,
		Amount:         dao.Amount,
		PaymentDate:    dao.PaymentDate,
		Status:         PaymentStatus(dao.Status),
		CreatedAt:      dao.CreatedAt,
	}
}
