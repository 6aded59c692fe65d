// Package balance holds a user's monotonically non-decreasing balance and
// reconciles it with the keyed store and the remote store.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
)

var (
	// ErrInsufficientBalance is returned when a withdrawal exceeds the current balance
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount is returned for a non-positive withdrawal
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrNoActiveUser is returned when an operation needs a user and none is set
	ErrNoActiveUser = errors.New("no active user")
)

// WithdrawalReport is the transaction report of a withdrawal
const WithdrawalReport = "Withdrawal"

// RemoteStore is the part of the remote store the manager uses
type RemoteStore interface {
	GetUserBalance(ctx context.Context, userID string) (*remote.UserBalance, error)
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, tx *remote.Transaction) error
}

// Snapshot is what subscribers receive on every accepted change
type Snapshot struct {
	CurrentBalance decimal.Decimal
	HighestBalance decimal.Decimal
	UserID         string
}

// Subscriber is notified with the state after every accepted change
type Subscriber func(Snapshot)

// Manager is one user's balance
type Manager struct {
	store  *kvstore.Accessor
	remote RemoteStore
	retry  *retry.Policy
	bus    events.Publisher
	clock  clock.Clock
	logger *zap.Logger

	// remoteMu serializes operations that read then write the remote balance
	remoteMu sync.Mutex

	mu      sync.Mutex
	userID  string
	current decimal.Decimal
	highest decimal.Decimal
	subs    map[int]Subscriber
	nextSub int
	outbox  []events.Event
	notify  []Snapshot
}

// New creates a manager for userID and restores its state from the keyed store
func New(
	ctx context.Context,
	userID string,
	store *kvstore.Accessor,
	remoteStore RemoteStore,
	policy *retry.Policy,
	bus events.Publisher,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		store:  store,
		remote: remoteStore,
		retry:  policy,
		bus:    bus,
		clock:  store.Clock(),
		logger: logger,
		userID: userID,
		subs:   make(map[int]Subscriber),
	}
	if userID != "" {
		m.LoadFromStore(ctx)
	}
	return m
}

// Current returns the current balance
func (m *Manager) Current() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns the current state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// UserID returns the active user
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// LoadFromStore restores current and highest from the keyed store, taking
// the largest of the balance, highest and last known balance keys.
func (m *Manager) LoadFromStore(ctx context.Context) {
	m.mu.Lock()
	defer m.unlock()

	if m.userID == "" {
		return
	}
	stored := m.store.ReadDecimal(ctx, m.key(kvstore.NameBalance))
	highest := m.store.ReadDecimal(ctx, m.key(kvstore.NameHighestBalance))
	lastKnown := m.store.ReadDecimal(ctx, m.key(kvstore.NameLastKnownBalance))

	best := decimal.Max(stored, highest, lastKnown, m.current)
	m.current = best
	m.highest = decimal.Max(highest, best, m.highest)

	if best.GreaterThan(stored) {
		m.logger.Warn("Restored balance from highest known value",
			zap.String("user_id", m.userID),
			zap.Stringer("stored", stored),
			zap.Stringer("restored", best))
		metrics.AnomaliesRepaired.WithLabelValues("balance", "load_restore").Inc()
		m.persist(ctx)
		m.emit(events.BalanceRestored{Meta: m.meta(), From: stored, To: best, Source: "keyed-store"})
	}
}

// Update accepts newBalance only when it is above the current balance
func (m *Manager) Update(ctx context.Context, newBalance decimal.Decimal) bool {
	m.mu.Lock()
	defer m.unlock()
	return m.update(ctx, newBalance)
}

// Credit adds gain to the live balance and returns the result
func (m *Manager) Credit(ctx context.Context, gain decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.unlock()
	if gain.IsPositive() {
		m.update(ctx, m.current.Add(gain))
	}
	return m.current
}

// Initialize sets the active user and max-merges balance into the state
func (m *Manager) Initialize(ctx context.Context, balance decimal.Decimal, userID string) bool {
	m.mu.Lock()
	if userID != "" && userID != m.userID {
		m.userID = userID
		m.current = decimal.Zero
		m.highest = decimal.Zero
		m.mu.Unlock()
		m.LoadFromStore(ctx)
		m.mu.Lock()
	}
	defer m.unlock()
	return m.update(ctx, balance)
}

// ForceUpdate sets the balance even when lower. It records a transaction
// marker first so the keyed store accepts the drop, and moves the highest
// value down with it.
func (m *Manager) ForceUpdate(ctx context.Context, newBalance decimal.Decimal, reason string) error {
	if newBalance.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, newBalance)
	}

	m.mu.Lock()
	defer m.unlock()
	return m.forceSet(ctx, newBalance, reason)
}

func (m *Manager) forceSet(ctx context.Context, newBalance decimal.Decimal, reason string) error {
	if m.userID == "" {
		return ErrNoActiveUser
	}
	if err := m.store.MarkTransaction(ctx, m.userID); err != nil {
		return fmt.Errorf("failed to mark transaction: %w", err)
	}
	m.current = newBalance
	m.highest = newBalance
	m.persist(ctx)

	m.emit(events.BalanceForceUpdate{Meta: m.meta(), Balance: newBalance, Reason: reason})
	m.notify = append(m.notify, m.snapshot())
	return nil
}

// debit subtracts amount from the live balance, so gains accepted while the
// remote write was in flight survive. It returns the resulting balance.
func (m *Manager) debit(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.unlock()

	next := decimal.Max(m.current.Sub(amount), decimal.Zero)
	if err := m.forceSet(ctx, next, "withdrawal"); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// Subscribe registers fn for every accepted change
func (m *Manager) Subscribe(fn Subscriber) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// SyncWithDatabase reconciles with the remote balance, always keeping the
// larger side. Errors are logged and reported as false.
func (m *Manager) SyncWithDatabase(ctx context.Context) bool {
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()

	snap := m.Snapshot()
	if snap.UserID == "" {
		return false
	}
	logger := m.logger.With(zap.String("user_id", snap.UserID))

	rb, err := m.remote.GetUserBalance(ctx, snap.UserID)
	if err != nil {
		logger.Warn("Failed to fetch remote balance", zap.Error(err))
		metrics.BalanceSyncTotal.WithLabelValues("error").Inc()
		return false
	}

	switch {
	case snap.CurrentBalance.GreaterThan(rb.Balance):
		err := m.retry.Do(ctx, "set_balance", func() error {
			return permanentIfNotFound(m.remote.SetBalance(ctx, snap.UserID, snap.CurrentBalance))
		})
		if err != nil {
			logger.Warn("Failed to push balance to remote", zap.Error(err))
			metrics.BalanceSyncTotal.WithLabelValues("error").Inc()
			return false
		}
		logger.Debug("Pushed local balance to remote",
			zap.Stringer("local", snap.CurrentBalance),
			zap.Stringer("remote", rb.Balance))
		metrics.BalanceSyncTotal.WithLabelValues("push").Inc()
	case rb.Balance.GreaterThan(snap.CurrentBalance):
		m.Update(ctx, rb.Balance)
		logger.Debug("Pulled remote balance",
			zap.Stringer("local", snap.CurrentBalance),
			zap.Stringer("remote", rb.Balance))
		metrics.BalanceSyncTotal.WithLabelValues("pull").Inc()
	default:
		metrics.BalanceSyncTotal.WithLabelValues("none").Inc()
	}
	return true
}

// AddTransaction records a gain remotely with retries. It does not change
// the balance; callers follow up with Update or ForceUpdate.
func (m *Manager) AddTransaction(ctx context.Context, userID string, gain decimal.Decimal, report string) (*remote.Transaction, error) {
	tx := remote.NewTransaction(userID, gain, report, m.clock.Now())
	err := m.retry.Do(ctx, "insert_transaction", func() error {
		return m.remote.InsertTransaction(ctx, tx)
	})
	if err != nil {
		m.logger.Error("Failed to record transaction",
			zap.String("user_id", userID),
			zap.Stringer("gain", gain),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("balance", "transaction").Inc()
		m.bus.Publish(events.Notification{
			Meta:    events.NewMeta(userID, m.clock.Now()),
			Level:   events.LevelError,
			Title:   "Transaction failed",
			Message: "Your earnings could not be recorded. They will be retried on the next session.",
		})
		return nil, fmt.Errorf("failed to add transaction: %w", err)
	}
	return tx, nil
}

// Withdraw removes amount from the balance: remote first, then local, then
// the transaction log. A failed remote write leaves everything untouched.
func (m *Manager) Withdraw(ctx context.Context, amount decimal.Decimal) error {
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()

	snap := m.Snapshot()
	if snap.UserID == "" {
		return ErrNoActiveUser
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(snap.CurrentBalance) {
		m.bus.Publish(events.Notification{
			Meta:    m.metaFor(snap.UserID),
			Level:   events.LevelWarning,
			Title:   "Insufficient balance",
			Message: fmt.Sprintf("Cannot withdraw %s, available balance is %s.", amount.StringFixed(2), snap.CurrentBalance.StringFixed(2)),
		})
		return ErrInsufficientBalance
	}

	next := snap.CurrentBalance.Sub(amount)
	err := m.retry.Do(ctx, "set_balance", func() error {
		return permanentIfNotFound(m.remote.SetBalance(ctx, snap.UserID, next))
	})
	if err != nil {
		m.bus.Publish(events.Notification{
			Meta:    m.metaFor(snap.UserID),
			Level:   events.LevelError,
			Title:   "Withdrawal failed",
			Message: "The withdrawal could not be processed. Please try again.",
		})
		return fmt.Errorf("failed to update remote balance: %w", err)
	}

	applied, err := m.debit(ctx, amount)
	if err != nil {
		return err
	}
	if !applied.Equal(next) {
		// the balance moved during the remote write; push the merged value
		err := m.retry.Do(ctx, "set_balance", func() error {
			return permanentIfNotFound(m.remote.SetBalance(ctx, snap.UserID, applied))
		})
		if err != nil {
			m.logger.Warn("Failed to push post-withdrawal balance",
				zap.String("user_id", snap.UserID),
				zap.Stringer("balance", applied),
				zap.Error(err))
		}
	}
	if _, err := m.AddTransaction(ctx, snap.UserID, amount.Neg(), WithdrawalReport); err != nil {
		m.logger.Warn("Withdrawal applied without transaction record", zap.String("user_id", snap.UserID), zap.Error(err))
	}
	return nil
}

// ResetBalance zeroes the current and highest balance so a later load does
// not restore the old value
func (m *Manager) ResetBalance(ctx context.Context) {
	m.mu.Lock()
	defer m.unlock()

	m.current = decimal.Zero
	m.highest = decimal.Zero
	if m.userID != "" {
		m.resetKey(ctx, kvstore.NameBalance)
		m.resetKey(ctx, kvstore.NameHighestBalance)
		m.resetKey(ctx, kvstore.NameLastKnownBalance)
	}
	m.emit(events.BalanceReset{Meta: m.meta()})
	m.notify = append(m.notify, m.snapshot())
}

// CleanupUserBalanceData zeroes the current and highest balance, clears the
// user's cached store entries and detaches the user.
func (m *Manager) CleanupUserBalanceData(ctx context.Context) {
	m.mu.Lock()
	defer m.unlock()

	userID := m.userID
	m.current = decimal.Zero
	m.highest = decimal.Zero
	if userID != "" {
		m.resetKey(ctx, kvstore.NameBalance)
		m.resetKey(ctx, kvstore.NameHighestBalance)
		m.resetKey(ctx, kvstore.NameLastKnownBalance)
		m.store.ClearUser(userID)
	}
	m.emit(events.BalanceReset{Meta: m.meta(), Cleanup: true})
	m.notify = append(m.notify, m.snapshot())
	m.userID = ""
}

func permanentIfNotFound(err error) error {
	if errors.Is(err, remote.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}

func (m *Manager) update(ctx context.Context, newBalance decimal.Decimal) bool {
	if !newBalance.GreaterThan(m.current) {
		return false
	}
	delta := newBalance.Sub(m.current)
	m.current = newBalance
	if newBalance.GreaterThan(m.highest) {
		m.highest = newBalance
	}
	if m.userID != "" {
		m.persist(ctx)
	}

	m.emit(events.BalanceLocalUpdate{Meta: m.meta(), Balance: m.current})
	m.emit(events.BalanceUpdate{Meta: m.meta(), Balance: m.current, Highest: m.highest, Delta: delta})
	m.notify = append(m.notify, m.snapshot())
	return true
}

func (m *Manager) persist(ctx context.Context) {
	for name, v := range map[string]decimal.Decimal{
		kvstore.NameBalance:          m.current,
		kvstore.NameHighestBalance:   m.highest,
		kvstore.NameLastKnownBalance: m.current,
	} {
		if err := m.store.Persist(ctx, m.key(name), v.String()); err != nil {
			m.logger.Warn("Failed to persist balance",
				zap.String("user_id", m.userID),
				zap.String("key", name),
				zap.Error(err))
		}
	}
}

func (m *Manager) resetKey(ctx context.Context, name string) {
	if err := m.store.Reset(ctx, m.key(name)); err != nil {
		m.logger.Warn("Failed to reset balance key", zap.String("key", name), zap.Error(err))
	}
}

func (m *Manager) key(name string) string {
	return kvstore.UserKey(m.userID, name)
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{CurrentBalance: m.current, HighestBalance: m.highest, UserID: m.userID}
}

func (m *Manager) meta() events.Meta {
	return m.metaFor(m.userID)
}

func (m *Manager) metaFor(userID string) events.Meta {
	return events.NewMeta(userID, m.clock.Now())
}

func (m *Manager) emit(ev events.Event) {
	m.outbox = append(m.outbox, ev)
}

// unlock releases the state lock, then publishes events and notifies
// subscribers in order
func (m *Manager) unlock() {
	out, notify := m.outbox, m.notify
	m.outbox, m.notify = nil, nil
	subs := make([]Subscriber, 0, len(m.subs))
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	for _, ev := range out {
		m.bus.Publish(ev)
	}
	for _, snap := range notify {
		for _, fn := range subs {
			fn(snap)
		}
	}
}
