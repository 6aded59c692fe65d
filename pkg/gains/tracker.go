// Package gains tracks a user's earnings for the current local calendar day.
//
// The tracker keeps the value monotone within a day, rolls over lazily when
// the date advances, throttles bursts of writes into a queue, and repairs
// implausible persisted values from its in-memory state and a JSON backup.
package gains

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
)

const (
	dayLayout    = "2006-01-02"
	checkTimeout = 30 * time.Second
)

var (
	// ErrRegression is returned by Set for a value below the highest observed today
	ErrRegression = errors.New("daily gains below highest observed value")
	// ErrInvalidAmount is returned by Add for a non-positive increment
	ErrInvalidAmount = errors.New("invalid daily gains amount")
)

// State is the lifecycle of a tracker
type State int

// Tracker states
const (
	Uninitialized State = iota
	Loaded
	Active
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Active:
		return "active"
	default:
		return "uninitialized"
	}
}

// CeilingFunc returns the user's expected daily gains ceiling
type CeilingFunc func() decimal.Decimal

type opKind int

const (
	opSet opKind = iota
	opAdd
)

type pendingOp struct {
	kind   opKind
	amount decimal.Decimal
}

// Tracker holds one user's daily gains
type Tracker struct {
	userID  string
	store   *kvstore.Accessor
	bus     events.Publisher
	ceiling CeilingFunc
	cfg     config.GainsConfig
	clock   clock.Clock
	logger  *zap.Logger

	valueKey  string
	dateKey   string
	backupKey string
	lockName  string

	mu         sync.Mutex
	state      State
	day        string
	value      decimal.Decimal
	highest    decimal.Decimal
	history    []decimal.Decimal
	lastWrite  time.Time
	queue      []pendingOp
	flushTimer *clock.Timer
	outbox     []events.Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a tracker for userID. The state is loaded from store on first use.
func New(
	userID string,
	store *kvstore.Accessor,
	bus events.Publisher,
	ceiling CeilingFunc,
	cfg config.GainsConfig,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		userID:    userID,
		store:     store,
		bus:       bus,
		ceiling:   ceiling,
		cfg:       cfg,
		clock:     store.Clock(),
		logger:    logger.With(zap.String("user_id", userID)),
		valueKey:  kvstore.UserKey(userID, kvstore.NameDailyGains),
		dateKey:   kvstore.UserKey(userID, kvstore.NameDailyGainsDate),
		backupKey: kvstore.UserKey(userID, kvstore.NameDailyGainsBackup),
		lockName:  "dailyGains:" + userID,
	}
}

// State returns the lifecycle state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Get returns today's gains, restoring the value to the highest observed one
// when it has fallen below it.
func (t *Tracker) Get(ctx context.Context) decimal.Decimal {
	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	if t.value.IsNegative() {
		t.logger.Warn("Clamped negative daily gains", zap.Stringer("value", t.value))
		metrics.AnomaliesRepaired.WithLabelValues("gains", "negative").Inc()
		t.value = decimal.Zero
		t.persist(ctx)
	}
	if t.value.LessThan(t.highest) {
		from := t.value
		t.value = t.highest
		t.logger.Warn("Restored daily gains to highest observed value",
			zap.Stringer("from", from),
			zap.Stringer("to", t.value))
		metrics.AnomaliesRepaired.WithLabelValues("gains", "below_highest").Inc()
		t.persist(ctx)
		t.emitUpdated(t.value.Sub(from))
	}
	return t.value
}

// Highest returns the highest value observed today
func (t *Tracker) Highest(ctx context.Context) decimal.Decimal {
	t.mu.Lock()
	defer t.unlock()
	t.prepare(ctx)
	return t.highest
}

// Set replaces today's total. The amount is clamped to [0, SafetyCap] and
// rounded to cents; totals below the highest observed value are refused.
// Calls closer than ThrottleInterval, or made while the store lock is held
// elsewhere, are queued for Flush.
func (t *Tracker) Set(ctx context.Context, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	target := t.clampTotal(amount)
	if target.LessThan(t.highest) {
		t.logger.Warn("Refused daily gains regression",
			zap.Stringer("amount", amount),
			zap.Stringer("highest", t.highest))
		return ErrRegression
	}
	return t.submit(ctx, pendingOp{kind: opSet, amount: amount})
}

// Add increases today's total by amount clamped to [MinIncrement, MaxIncrement]
func (t *Tracker) Add(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		t.logger.Error("Rejected non-positive daily gains increment", zap.Stringer("amount", amount))
		return ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	return t.submit(ctx, pendingOp{kind: opAdd, amount: amount})
}

// Merge raises today's total to remoteTotal when it is higher, bypassing the
// throttle. It reports whether the value changed.
func (t *Tracker) Merge(ctx context.Context, remoteTotal decimal.Decimal) bool {
	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	target := t.clampTotal(remoteTotal)
	if !target.GreaterThan(t.value) {
		return false
	}
	from := t.value
	t.setValue(target)
	t.persist(ctx)
	t.logger.Info("Merged daily gains from remote transactions",
		zap.Stringer("from", from),
		zap.Stringer("to", target))
	t.emitUpdated(target.Sub(from))
	return true
}

// Credit adds a recorded session gain to today's total at once, bypassing
// the throttle. Queued updates are applied first, in order, so the credit
// lands on top of them. It returns the new total.
func (t *Tracker) Credit(ctx context.Context, gain decimal.Decimal) (decimal.Decimal, error) {
	if !gain.IsPositive() {
		t.logger.Error("Rejected non-positive session credit", zap.Stringer("gain", gain))
		return decimal.Zero, ErrInvalidAmount
	}

	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	t.stopFlushTimer()
	ops := t.queue
	t.queue = nil
	for _, op := range ops {
		if err := t.apply(ctx, op); err != nil {
			t.logger.Warn("Dropped queued daily gains update", zap.Stringer("amount", op.amount), zap.Error(err))
		}
	}

	from := t.value
	t.setValue(t.clampTotal(from.Add(gain)))
	t.lastWrite = t.clock.Now()
	t.persist(ctx)
	t.emitUpdated(t.value.Sub(from))
	return t.value, nil
}

// Reset zeroes the value, the highest observed value and the history, and
// drops queued updates.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	defer t.unlock()

	t.ensureLoaded(ctx)
	t.stopFlushTimer()
	t.day = t.today()
	t.value = decimal.Zero
	t.highest = decimal.Zero
	t.history = nil
	t.queue = nil

	if err := t.store.Reset(ctx, t.valueKey); err != nil {
		t.logger.Warn("Failed to reset daily gains", zap.Error(err))
	}
	t.persistMarker(ctx)
	t.writeSnapshot(ctx)
	t.emit(events.DailyGainsReset{Meta: t.meta(), Day: t.day})
}

// Flush applies queued updates in order and returns how many were applied.
// Nothing is applied while the store lock is held elsewhere.
func (t *Tracker) Flush(ctx context.Context) int {
	t.mu.Lock()
	defer t.unlock()

	t.stopFlushTimer()
	if len(t.queue) == 0 {
		return 0
	}
	t.prepare(ctx)
	if len(t.queue) == 0 {
		return 0
	}

	if !t.store.AcquireLock(ctx, t.lockName, t.cfg.LockTimeout) {
		t.armFlushTimer(t.cfg.ThrottleInterval)
		return 0
	}
	defer t.store.ReleaseLock(ctx, t.lockName)

	ops := t.queue
	t.queue = nil
	applied := 0
	for _, op := range ops {
		if err := t.apply(ctx, op); err != nil {
			t.logger.Warn("Dropped queued daily gains update", zap.Stringer("amount", op.amount), zap.Error(err))
			continue
		}
		applied++
	}
	return applied
}

// Pending returns the number of queued updates
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Start loads the tracker and runs the periodic consistency check until Stop
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.prepare(ctx)
	if t.state == Active {
		t.unlock()
		return
	}
	t.state = Active
	stopCh := make(chan struct{})
	t.stopCh = stopCh
	t.unlock()

	ticker := t.clock.Ticker(t.cfg.CheckInterval)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), checkTimeout)
				t.CheckConsistency(checkCtx)
				t.Flush(checkCtx)
				cancel()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop ends the background check and cancels the flush timer. Queued updates
// stay queued.
func (t *Tracker) Stop() {
	t.mu.Lock()
	stopCh := t.stopCh
	t.stopCh = nil
	t.stopFlushTimer()
	if t.state == Active {
		t.state = Loaded
	}
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	t.wg.Wait()
}

// prepare loads state on first use and applies a pending day rollover
func (t *Tracker) prepare(ctx context.Context) {
	t.ensureLoaded(ctx)
	t.checkRollover(ctx)
}

func (t *Tracker) submit(ctx context.Context, op pendingOp) error {
	now := t.clock.Now()
	if len(t.queue) > 0 || (!t.lastWrite.IsZero() && now.Sub(t.lastWrite) < t.cfg.ThrottleInterval) {
		t.enqueue(op, t.cfg.ThrottleInterval-now.Sub(t.lastWrite))
		return nil
	}

	if !t.store.AcquireLock(ctx, t.lockName, t.cfg.LockTimeout) {
		t.logger.Debug("Daily gains lock busy, queueing update")
		t.enqueue(op, t.cfg.ThrottleInterval)
		return nil
	}
	defer t.store.ReleaseLock(ctx, t.lockName)

	return t.apply(ctx, op)
}

func (t *Tracker) apply(ctx context.Context, op pendingOp) error {
	var target decimal.Decimal
	switch op.kind {
	case opSet:
		target = t.clampTotal(op.amount)
		if target.LessThan(t.highest) {
			return ErrRegression
		}
	case opAdd:
		target = t.clampTotal(t.value.Add(t.clampIncrement(op.amount)))
	}

	delta := target.Sub(t.value)
	t.setValue(target)
	t.lastWrite = t.clock.Now()
	t.persist(ctx)
	t.emitUpdated(delta)
	return nil
}

func (t *Tracker) setValue(v decimal.Decimal) {
	t.value = v
	if v.GreaterThan(t.highest) {
		t.highest = v
	}
	t.history = append(t.history, v)
	if n := len(t.history) - t.cfg.HistorySize; n > 0 {
		t.history = append([]decimal.Decimal(nil), t.history[n:]...)
	}
}

func (t *Tracker) enqueue(op pendingOp, wait time.Duration) {
	t.queue = append(t.queue, op)
	t.armFlushTimer(wait)
}

func (t *Tracker) armFlushTimer(wait time.Duration) {
	if t.flushTimer != nil {
		return
	}
	if wait <= 0 {
		wait = t.cfg.ThrottleInterval
	}
	t.flushTimer = t.clock.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		t.Flush(ctx)
	})
}

func (t *Tracker) stopFlushTimer() {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
}

func (t *Tracker) clampTotal(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if c := decimal.NewFromFloat(t.cfg.SafetyCap); v.GreaterThan(c) {
		v = c
	}
	return v.Round(2)
}

func (t *Tracker) clampIncrement(v decimal.Decimal) decimal.Decimal {
	lo := decimal.NewFromFloat(t.cfg.MinIncrement)
	hi := decimal.NewFromFloat(t.cfg.MaxIncrement)
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func (t *Tracker) today() string {
	return t.clock.Now().Format(dayLayout)
}

func (t *Tracker) checkRollover(ctx context.Context) {
	today := t.today()
	if t.day == today {
		return
	}
	previous := t.day
	t.day = today
	t.value = decimal.Zero
	t.highest = decimal.Zero
	t.history = nil
	t.queue = nil
	t.stopFlushTimer()

	t.persist(ctx)
	t.persistMarker(ctx)
	t.logger.Info("Daily gains rolled over", zap.String("previous_day", previous), zap.String("day", today))
	t.emit(events.DailyGainsReset{Meta: t.meta(), Day: today, Rollover: true})
}

func (t *Tracker) persist(ctx context.Context) {
	if err := t.store.Persist(ctx, t.valueKey, t.value.StringFixed(2)); err != nil {
		t.logger.Warn("Failed to persist daily gains", zap.Error(err))
	}
	t.writeSnapshot(ctx)
}

func (t *Tracker) persistMarker(ctx context.Context) {
	if err := t.store.Persist(ctx, t.dateKey, t.day); err != nil {
		t.logger.Warn("Failed to persist daily gains date", zap.Error(err))
	}
}

func (t *Tracker) meta() events.Meta {
	return events.NewMeta(t.userID, t.clock.Now())
}

func (t *Tracker) emitUpdated(delta decimal.Decimal) {
	t.emit(events.DailyGainsUpdated{Meta: t.meta(), Value: t.value, Delta: delta})
}

// emit queues ev for delivery once the state lock is released
func (t *Tracker) emit(ev events.Event) {
	t.outbox = append(t.outbox, ev)
}

func (t *Tracker) unlock() {
	out := t.outbox
	t.outbox = nil
	t.mu.Unlock()
	for _, ev := range out {
		t.bus.Publish(ev)
	}
}
