// Package kvstore wraps a persistent key-value backend with a write-through
// cache, per-key write serialization and guards against invalid or regressed
// balance values.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
	"github.com/chainsafe/revenue-middleware/pkg/config"
)

var (
	// ErrRegressionRejected is returned when a balance write drops steeply without a recent transaction
	ErrRegressionRejected = errors.New("balance regression rejected")
	// ErrInvalidValue is returned when an update produces a negative or non-numeric amount
	ErrInvalidValue = errors.New("invalid amount")
)

// UpdateFunc maps the current raw value ("" when missing) to the next one
type UpdateFunc func(current string) (string, error)

// Accessor is the keyed store used by every per-user component
type Accessor struct {
	backend Backend
	cfg     config.StoreConfig
	clock   clock.Clock
	logger  *zap.Logger

	cacheMu sync.RWMutex
	cache   map[string]string

	keys keyedMutex

	lockMu sync.Mutex
}

// New creates an accessor over backend
func New(backend Backend, cfg config.StoreConfig, clk clock.Clock, logger *zap.Logger) *Accessor {
	if clk == nil {
		clk = clock.New()
	}
	return &Accessor{
		backend: backend,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		cache:   make(map[string]string),
		keys:    keyedMutex{locks: make(map[string]*refLock)},
	}
}

// Clock returns the accessor's time source
func (a *Accessor) Clock() clock.Clock {
	return a.clock
}

// Persist stores value under key. Invalid amounts on balance and gains keys
// are replaced by the last valid value (or "0"). A steep unexplained drop on a
// balance key returns ErrRegressionRejected and leaves the prior value in place.
func (a *Accessor) Persist(ctx context.Context, key, value string) error {
	unlock := a.keys.Lock(key)
	defer unlock()

	kind := KindOf(key)
	if kind != KindPlain {
		if _, ok := parseAmount(value); !ok {
			prev, _ := a.lastValid(ctx, key)
			a.logger.Warn("Rejected invalid amount, keeping last valid value",
				zap.String("key", key),
				zap.String("value", value),
				zap.String("substitute", prev))
			metrics.StoreWritesRejected.WithLabelValues("invalid").Inc()
			value = prev
		}
	}

	return a.write(ctx, key, value)
}

// Read returns the value of key or def. Balance keys fall back to their backup
// shadow; invalid amounts on balance and gains keys yield def.
func (a *Accessor) Read(ctx context.Context, key, def string) string {
	kind := KindOf(key)

	a.cacheMu.RLock()
	cached, ok := a.cache[key]
	a.cacheMu.RUnlock()
	if ok && valid(kind, cached) {
		return cached
	}

	v, found, err := a.backend.Get(ctx, key)
	if err != nil {
		a.logger.Warn("Keyed store read failed", zap.String("key", key), zap.Error(err))
	}
	if err == nil && found && valid(kind, v) {
		a.setCache(key, v)
		return v
	}

	if kind == KindBalance {
		b, found, err := a.backend.Get(ctx, BackupKey(key))
		if err == nil && found && valid(kind, b) {
			a.logger.Info("Restored value from backup key", zap.String("key", key), zap.String("value", b))
			metrics.AnomaliesRepaired.WithLabelValues("kvstore", "backup_restore").Inc()
			a.setCache(key, b)
			return b
		}
	}

	if found && !valid(kind, v) {
		a.logger.Warn("Discarded invalid stored amount", zap.String("key", key), zap.String("value", v))
	}
	return def
}

// ReadDecimal reads an amount; missing or invalid values yield zero
func (a *Accessor) ReadDecimal(ctx context.Context, key string) decimal.Decimal {
	d, _ := parseAmount(a.Read(ctx, key, "0"))
	return d
}

// ReadFresh reads key from the backend, skipping the cache. It reports false
// when neither the key nor its backup holds a valid value.
func (a *Accessor) ReadFresh(ctx context.Context, key string) (string, bool) {
	kind := KindOf(key)
	v, found, err := a.backend.Get(ctx, key)
	if err != nil {
		a.logger.Warn("Keyed store read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if found && valid(kind, v) {
		return v, true
	}
	if kind == KindBalance {
		if b, found, err := a.backend.Get(ctx, BackupKey(key)); err == nil && found && valid(kind, b) {
			return b, true
		}
	}
	return "", false
}

// AtomicUpdate applies fn to the freshest stored value under the key's write lock
func (a *Accessor) AtomicUpdate(ctx context.Context, key string, fn UpdateFunc) error {
	unlock := a.keys.Lock(key)
	defer unlock()

	kind := KindOf(key)
	current, err := a.fresh(ctx, key)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if kind != KindPlain {
		if _, ok := parseAmount(next); !ok {
			metrics.StoreWritesRejected.WithLabelValues("invalid").Inc()
			return fmt.Errorf("%w: %q for %s", ErrInvalidValue, next, key)
		}
	}

	return a.write(ctx, key, next)
}

// Reset writes zero to key without the regression guard
func (a *Accessor) Reset(ctx context.Context, key string) error {
	unlock := a.keys.Lock(key)
	defer unlock()

	if err := a.backend.Set(ctx, key, "0"); err != nil {
		return fmt.Errorf("failed to reset %s: %w", key, err)
	}
	if KindOf(key) == KindBalance {
		if err := a.backend.Set(ctx, BackupKey(key), "0"); err != nil {
			return fmt.Errorf("failed to reset backup of %s: %w", key, err)
		}
	}
	a.setCache(key, "0")
	return nil
}

// Delete removes key, its backup and its cached value
func (a *Accessor) Delete(ctx context.Context, key string) error {
	unlock := a.keys.Lock(key)
	defer unlock()

	a.cacheMu.Lock()
	delete(a.cache, key)
	a.cacheMu.Unlock()

	if err := a.backend.Delete(ctx, key); err != nil {
		return err
	}
	if KindOf(key) == KindBalance {
		return a.backend.Delete(ctx, BackupKey(key))
	}
	return nil
}

// MarkTransaction records that a legitimate balance change (transaction,
// withdrawal) is about to happen for the user, allowing one steep drop
// within the configured window.
func (a *Accessor) MarkTransaction(ctx context.Context, userID string) error {
	key := UserKey(userID, NameLastTransaction)
	now := a.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := a.backend.Set(ctx, key, now); err != nil {
		return fmt.Errorf("failed to mark transaction: %w", err)
	}
	a.setCache(key, now)
	return nil
}

// AcquireLock takes an advisory lock that expires after ttl. It returns false
// while another holder's lock is still fresh. The lock is stored in the backend,
// which makes it best effort across processes.
func (a *Accessor) AcquireLock(ctx context.Context, name string, ttl time.Duration) bool {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()

	key := lockKey(name)
	now := a.clock.Now()

	raw, found, err := a.backend.Get(ctx, key)
	if err != nil {
		a.logger.Warn("Lock read failed", zap.String("lock", name), zap.Error(err))
		return false
	}
	if found {
		held, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil && now.Sub(held) < ttl {
			return false
		}
	}

	if err := a.backend.Set(ctx, key, now.UTC().Format(time.RFC3339Nano)); err != nil {
		a.logger.Warn("Lock write failed", zap.String("lock", name), zap.Error(err))
		return false
	}
	return true
}

// ReleaseLock drops an advisory lock
func (a *Accessor) ReleaseLock(ctx context.Context, name string) {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()

	if err := a.backend.Delete(ctx, lockKey(name)); err != nil {
		a.logger.Warn("Lock release failed", zap.String("lock", name), zap.Error(err))
	}
}

// ClearUser drops every cached entry of the user
func (a *Accessor) ClearUser(userID string) {
	prefix := UserKey(userID, "")
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for k := range a.cache {
		if strings.HasPrefix(k, prefix) {
			delete(a.cache, k)
		}
	}
}

// ClearCache drops the whole cache so the next reads hit the backend
func (a *Accessor) ClearCache() {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.cache = make(map[string]string)
}

// write stores value with the regression guard; the key lock must be held
func (a *Accessor) write(ctx context.Context, key, value string) error {
	kind := KindOf(key)

	if kind == KindBalance {
		next, _ := parseAmount(value)
		prevRaw, err := a.fresh(ctx, key)
		if err != nil {
			return err
		}
		if prev, ok := parseAmount(prevRaw); ok && prevRaw != "" && prev.IsPositive() && next.LessThan(prev) {
			drop, _ := prev.Sub(next).Div(prev).Float64()
			if drop > a.cfg.RejectDropRatio && !a.recentTransaction(ctx, key) {
				a.logger.Warn("Rejected balance regression",
					zap.String("key", key),
					zap.String("previous", prev.String()),
					zap.String("value", next.String()),
					zap.Float64("drop_ratio", drop))
				metrics.StoreWritesRejected.WithLabelValues("regression").Inc()
				return fmt.Errorf("%w: %s -> %s on %s", ErrRegressionRejected, prev, next, key)
			}
			if drop > a.cfg.WarnDropRatio {
				a.logger.Warn("Balance dropped",
					zap.String("key", key),
					zap.String("previous", prev.String()),
					zap.String("value", next.String()),
					zap.Float64("drop_ratio", drop))
			}
		}
	}

	if err := a.backend.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	if kind == KindBalance {
		if err := a.backend.Set(ctx, BackupKey(key), value); err != nil {
			a.logger.Warn("Failed to write backup key", zap.String("key", key), zap.Error(err))
		}
	}
	a.setCache(key, value)
	return nil
}

// fresh reads key bypassing the cache, falling back to the backup then cache
func (a *Accessor) fresh(ctx context.Context, key string) (string, error) {
	kind := KindOf(key)
	v, found, err := a.backend.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	if found && valid(kind, v) {
		return v, nil
	}
	if kind == KindBalance {
		if b, found, err := a.backend.Get(ctx, BackupKey(key)); err == nil && found && valid(kind, b) {
			return b, nil
		}
	}
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	if c, ok := a.cache[key]; ok && valid(kind, c) {
		return c, nil
	}
	return "", nil
}

func (a *Accessor) lastValid(ctx context.Context, key string) (string, bool) {
	a.cacheMu.RLock()
	c, ok := a.cache[key]
	a.cacheMu.RUnlock()
	if ok && valid(KindOf(key), c) {
		return c, true
	}
	if v, err := a.fresh(ctx, key); err == nil && v != "" {
		return v, true
	}
	return "0", false
}

func (a *Accessor) recentTransaction(ctx context.Context, key string) bool {
	raw, found, err := a.backend.Get(ctx, transactionMarkerKey(key))
	if err != nil || !found {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return a.clock.Now().Sub(at) <= a.cfg.TransactionMarkerWindow
}

func (a *Accessor) setCache(key, value string) {
	a.cacheMu.Lock()
	a.cache[key] = value
	a.cacheMu.Unlock()
}

func parseAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

func valid(kind Kind, v string) bool {
	if kind == KindPlain {
		return true
	}
	_, ok := parseAmount(v)
	return ok
}

// keyedMutex serializes writers per key; waiting writers are applied in turn
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
