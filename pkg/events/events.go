// Package events defines the typed notifications published by the balance
// core and the in-process bus UI adapters subscribe to.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies an event kind; it doubles as the routing key of outbound sinks.
type Name string

// Event names
const (
	NameBalanceUpdate      Name = "balance.update"
	NameBalanceForceUpdate Name = "balance.force-update"
	NameBalanceLocalUpdate Name = "balance.local-update"
	NameBalanceReset       Name = "balance.reset"
	NameBalanceRestored    Name = "balance.restored"
	NameDailyGainsUpdated  Name = "daily-gains.updated"
	NameDailyGainsReset    Name = "daily-gains.reset"
	NameBotStatusChanged   Name = "bot.status-change"
	NameDailyLimitReached  Name = "daily.limit.reached"
	NameSessionGain        Name = "session.gain"
	NameNotification       Name = "notification"
)

// Event is implemented by every notification
type Event interface {
	EventName() Name
	EventMeta() Meta
}

// Meta is embedded by every event
type Meta struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// EventMeta returns the common event fields
func (m Meta) EventMeta() Meta { return m }

// NewMeta stamps an event for a user
func NewMeta(userID string, at time.Time) Meta {
	return Meta{UserID: userID, At: at}
}

// BalanceUpdate is published when a balance change has been accepted
type BalanceUpdate struct {
	Meta
	Balance decimal.Decimal `json:"balance"`
	Highest decimal.Decimal `json:"highest"`
	Delta   decimal.Decimal `json:"delta"`
}

func (BalanceUpdate) EventName() Name { return NameBalanceUpdate }

// BalanceForceUpdate is published when a balance was set through the explicit path (withdrawal)
type BalanceForceUpdate struct {
	Meta
	Balance decimal.Decimal `json:"balance"`
	Reason  string          `json:"reason"`
}

func (BalanceForceUpdate) EventName() Name { return NameBalanceForceUpdate }

// BalanceLocalUpdate is published after a balance was persisted to the keyed store
type BalanceLocalUpdate struct {
	Meta
	Balance decimal.Decimal `json:"balance"`
}

func (BalanceLocalUpdate) EventName() Name { return NameBalanceLocalUpdate }

// BalanceReset is published on reset and on user cleanup
type BalanceReset struct {
	Meta
	Cleanup bool `json:"cleanup"`
}

func (BalanceReset) EventName() Name { return NameBalanceReset }

// BalanceRestored is the user-visible "balance restored" notice after self-healing
type BalanceRestored struct {
	Meta
	From   decimal.Decimal `json:"from"`
	To     decimal.Decimal `json:"to"`
	Source string          `json:"source"`
}

func (BalanceRestored) EventName() Name { return NameBalanceRestored }

// DailyGainsUpdated is published after every accepted daily gains change
type DailyGainsUpdated struct {
	Meta
	Value decimal.Decimal `json:"value"`
	Delta decimal.Decimal `json:"delta"`
}

func (DailyGainsUpdated) EventName() Name { return NameDailyGainsUpdated }

// DailyGainsReset is published on explicit reset and on day rollover
type DailyGainsReset struct {
	Meta
	Day      string `json:"day"`
	Rollover bool   `json:"rollover"`
}

func (DailyGainsReset) EventName() Name { return NameDailyGainsReset }

// BotStatusChanged mirrors the persisted bot-active flag
type BotStatusChanged struct {
	Meta
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

func (BotStatusChanged) EventName() Name { return NameBotStatusChanged }

// DailyLimitReached is published when a user's tier allowance for today is exhausted
type DailyLimitReached struct {
	Meta
	Subscription string          `json:"subscription"`
	Limit        decimal.Decimal `json:"limit"`
}

func (DailyLimitReached) EventName() Name { return NameDailyLimitReached }

// SessionGain carries a session's gain for animated display
type SessionGain struct {
	Meta
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Kind       string          `json:"kind"`
}

func (SessionGain) EventName() Name { return NameSessionGain }

// Level grades a Notification
type Level string

// Notification levels
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a transient user-facing message
type Notification struct {
	Meta
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (Notification) EventName() Name { return NameNotification }
