package gains

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
)

// Snapshot is the JSON backup written next to every persisted value
type Snapshot struct {
	Value           decimal.Decimal   `json:"value"`
	HighestObserved decimal.Decimal   `json:"highestObserved"`
	Timestamp       time.Time         `json:"timestamp"`
	RecentHistory   []decimal.Decimal `json:"recentHistory"`
	Day             string            `json:"day"`
}

func (t *Tracker) ensureLoaded(ctx context.Context) {
	if t.state != Uninitialized {
		return
	}
	t.state = Loaded

	today := t.today()
	marker := t.store.Read(ctx, t.dateKey, "")
	snap, snapOK := t.readSnapshot(ctx)
	sameDaySnap := snapOK && snap.Day == today

	switch {
	case marker == today:
	case marker == "" && sameDaySnap:
		t.logger.Warn("Daily gains date marker missing, recovered from backup")
	case marker == "":
		t.day = today
		t.persistMarker(ctx)
		t.persist(ctx)
		return
	default:
		// a previous day; the next rollover check zeroes it
		t.day = marker
		return
	}

	t.day = today
	t.persistMarker(ctx)

	raw, found := t.store.ReadFresh(ctx, t.valueKey)
	stored, _ := decimal.NewFromString(raw)
	if found {
		t.value = stored
		t.highest = stored
	}
	if sameDaySnap {
		t.history = append([]decimal.Decimal(nil), snap.RecentHistory...)
		if snap.HighestObserved.GreaterThan(t.highest) {
			t.highest = snap.HighestObserved
		}
		if !found || stored.LessThan(snap.Value) {
			t.restoreFrom(ctx, snap, stored)
		}
	}
}

// Restore reconciles from the backup snapshot when the persisted value is
// missing, invalid or below today's snapshot. It reports whether it restored.
func (t *Tracker) Restore(ctx context.Context) bool {
	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	snap, ok := t.readSnapshot(ctx)
	if !ok || snap.Day != t.day {
		return false
	}
	raw, found := t.store.ReadFresh(ctx, t.valueKey)
	stored, _ := decimal.NewFromString(raw)
	if found && !stored.LessThan(snap.Value) && !t.value.LessThan(snap.Value) {
		return false
	}
	from := t.value
	if found && stored.LessThan(from) {
		from = stored
	}
	t.restoreFrom(ctx, snap, from)
	return true
}

func (t *Tracker) restoreFrom(ctx context.Context, snap Snapshot, from decimal.Decimal) {
	if snap.Value.GreaterThan(t.value) {
		t.value = snap.Value
	}
	if snap.HighestObserved.GreaterThan(t.highest) {
		t.highest = snap.HighestObserved
	}
	if t.value.GreaterThan(t.highest) {
		t.highest = t.value
	}
	if len(t.history) == 0 {
		t.history = append([]decimal.Decimal(nil), snap.RecentHistory...)
	}
	t.logger.Warn("Restored daily gains from backup",
		zap.Stringer("from", from),
		zap.Stringer("to", t.value))
	metrics.AnomaliesRepaired.WithLabelValues("gains", "backup_restore").Inc()
	t.persist(ctx)
	t.emitUpdated(t.value.Sub(from))
}

// CheckConsistency repairs the persisted value: missing or invalid values,
// values that regressed below the in-memory total or the rolling average of
// recent observations, and values above AnomalyCapMultiplier times the daily
// ceiling. It reports whether anything was repaired.
func (t *Tracker) CheckConsistency(ctx context.Context) bool {
	t.mu.Lock()
	defer t.unlock()

	t.prepare(ctx)
	from := t.value
	adopted := false
	var kinds []string

	raw, found := t.store.ReadFresh(ctx, t.valueKey)
	stored, _ := decimal.NewFromString(raw)
	switch {
	case !found:
		kinds = append(kinds, "invalid")
	case stored.GreaterThan(t.value):
		// another writer moved it up; keep the larger value
		t.setValue(t.clampTotal(stored))
		adopted = true
	case stored.LessThan(t.value):
		kind := "regressed"
		if avg, ok := t.stableAverage(); ok && stored.LessThan(avg.Mul(decimal.NewFromFloat(1-t.cfg.StableDropRatio))) {
			kind = "below_average"
		}
		kinds = append(kinds, kind)
		from = stored
	}

	if t.value.IsNegative() {
		t.value = decimal.Zero
		kinds = append(kinds, "negative")
	}
	if t.value.LessThan(t.highest) {
		t.value = t.highest
		kinds = append(kinds, "below_highest")
	}
	if limit, ok := t.anomalyLimit(); ok && t.value.GreaterThan(limit) {
		t.value = limit
		t.highest = limit
		for i, h := range t.history {
			if h.GreaterThan(limit) {
				t.history[i] = limit
			}
		}
		kinds = append(kinds, "cap")
	}

	if len(kinds) == 0 {
		if adopted {
			t.persist(ctx)
			t.emitUpdated(t.value.Sub(from))
		}
		return false
	}

	for _, kind := range kinds {
		metrics.AnomaliesRepaired.WithLabelValues("gains", kind).Inc()
	}
	t.logger.Warn("Repaired daily gains",
		zap.Strings("anomalies", kinds),
		zap.Stringer("from", from),
		zap.Stringer("to", t.value))
	t.persist(ctx)
	t.emitUpdated(t.value.Sub(from))
	return true
}

func (t *Tracker) stableAverage() (decimal.Decimal, bool) {
	if len(t.history) == 0 {
		return decimal.Zero, false
	}
	return decimal.Avg(t.history[0], t.history[1:]...), true
}

func (t *Tracker) anomalyLimit() (decimal.Decimal, bool) {
	if t.ceiling == nil {
		return decimal.Zero, false
	}
	c := t.ceiling()
	if !c.IsPositive() {
		return decimal.Zero, false
	}
	return c.Mul(decimal.NewFromFloat(t.cfg.AnomalyCapMultiplier)), true
}

func (t *Tracker) readSnapshot(ctx context.Context) (Snapshot, bool) {
	raw := t.store.Read(ctx, t.backupKey, "")
	if raw == "" {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.logger.Warn("Discarded unreadable daily gains backup", zap.Error(err))
		return Snapshot{}, false
	}
	if snap.Value.IsNegative() || snap.HighestObserved.IsNegative() {
		return Snapshot{}, false
	}
	return snap, true
}

func (t *Tracker) writeSnapshot(ctx context.Context) {
	snap := Snapshot{
		Value:           t.value,
		HighestObserved: t.highest,
		Timestamp:       t.clock.Now().UTC(),
		RecentHistory:   t.history,
		Day:             t.day,
	}
	if snap.RecentHistory == nil {
		snap.RecentHistory = []decimal.Decimal{}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.logger.Warn("Failed to encode daily gains backup", zap.Error(err))
		return
	}
	if err := t.store.Persist(ctx, t.backupKey, string(raw)); err != nil {
		t.logger.Warn("Failed to persist daily gains backup", zap.Error(err))
	}
}
