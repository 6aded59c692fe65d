// Package session runs revenue sessions: it computes a gain, records it as a
// transaction, and moves the daily gains and the balance forward together.
package session

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/revenue-middleware/pkg/remote"
)

var (
	// ErrSessionInProgress is returned when a session is already running for the user
	ErrSessionInProgress = errors.New("session already in progress")
	// ErrDailyLimitReached is returned when the bot is activated after today's limit was reached
	ErrDailyLimitReached = errors.New("daily limit reached")
)

// Kind tells automatic sessions from manual boosts
type Kind string

// Session kinds
const (
	KindAuto   Kind = "auto"
	KindManual Kind = "manual"
)

// Report returns the transaction report of the session kind
func (k Kind) Report() string {
	if k == KindManual {
		return "Manual boost"
	}
	return "Auto session"
}

// Result is the outcome of one session
type Result struct {
	Gain         decimal.Decimal
	NewBalance   decimal.Decimal
	DailyGains   decimal.Decimal
	LimitReached bool
	Transaction  *remote.Transaction
}

// Service is the session surface used by the scheduler and the API
type Service interface {
	RunSession(ctx context.Context, kind Kind) (*Result, error)
	SetBotActive(ctx context.Context, active bool, reason string) error
	BotActive(ctx context.Context) bool
}
