// Package scheduler runs a user's automatic sessions at randomized,
// tier-dependent intervals while the bot is active.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
)

const runTimeout = time.Minute

// State is the scheduler lifecycle
type State int

// Scheduler states
const (
	Idle State = iota
	Scheduled
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "idle"
	}
}

// Target is the session side the scheduler drives
type Target interface {
	BotActive(ctx context.Context) bool
	RunAutoSession(ctx context.Context) error
}

// Subscriber is the part of the event bus used to wake the loop
type Subscriber interface {
	SubscribeTo(h events.Handler, names ...events.Name) func()
}

// PlanFunc returns the user's current plan
type PlanFunc func() plan.Plan

// Scheduler owns one user's auto-session timer and watchdog
type Scheduler struct {
	userID string
	target Target
	store  *kvstore.Accessor
	plan   PlanFunc
	bus    Subscriber
	cfg    config.SchedulerConfig
	clock  clock.Clock
	logger *zap.Logger
	jitter func(n int64) int64

	lastRunKey string

	mu          sync.Mutex
	state       State
	started     bool
	timer       *clock.Timer
	nextRun     time.Time
	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a stopped scheduler for userID
func New(
	userID string,
	target Target,
	store *kvstore.Accessor,
	planFn PlanFunc,
	bus Subscriber,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		userID:     userID,
		target:     target,
		store:      store,
		plan:       planFn,
		bus:        bus,
		cfg:        cfg,
		clock:      store.Clock(),
		logger:     logger.With(zap.String("user_id", userID)),
		jitter:     rand.Int64N,
		lastRunKey: kvstore.UserKey(userID, kvstore.NameLastAutoSession),
	}
}

// State returns the lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextRun returns when the next run is due; zero unless Scheduled
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Scheduled {
		return time.Time{}
	}
	return s.nextRun
}

// Start arms the loop, the watchdog and the bot status subscription.
// An active bot whose last run is at least ImmediateRunAfter ago runs now.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	if s.bus != nil {
		s.unsubscribe = s.bus.SubscribeTo(s.onBotStatus, events.NameBotStatusChanged)
	}
	s.mu.Unlock()

	s.arm(ctx)

	ticker := s.clock.Ticker(s.cfg.WatchdogInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.watchdog()
			case <-stopCh:
				return
			}
		}
	}()

	s.logger.Info("Auto-session scheduler started", zap.Stringer("state", s.State()))
}

// Stop cancels the timer and the watchdog. A run in flight completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancelTimer()
	s.state = Idle
	stopCh, unsubscribe := s.stopCh, s.unsubscribe
	s.stopCh, s.unsubscribe = nil, nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(stopCh)
	s.wg.Wait()
	s.logger.Info("Auto-session scheduler stopped")
}

// arm decides between running now, scheduling and suspending
func (s *Scheduler) arm(ctx context.Context) {
	if !s.target.BotActive(ctx) {
		s.suspend()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.state == Running || s.state == Scheduled {
		return
	}
	if s.dueNow(ctx) {
		s.state = Running
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run()
		}()
		return
	}
	s.scheduleLocked(s.randomDelay())
}

func (s *Scheduler) dueNow(ctx context.Context) bool {
	last, ok := s.lastRun(ctx)
	return !ok || s.clock.Since(last) >= s.cfg.ImmediateRunAfter
}

func (s *Scheduler) scheduleLocked(delay time.Duration) {
	s.cancelTimer()
	s.state = Scheduled
	s.nextRun = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, s.fire)
	s.logger.Debug("Scheduled auto session", zap.Duration("delay", delay))
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.started || s.state != Scheduled {
		s.mu.Unlock()
		return
	}
	s.cancelTimer()
	s.state = Running
	s.mu.Unlock()

	s.run()
}

// run executes one session; the state must already be Running
func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if !s.target.BotActive(ctx) {
		s.logger.Debug("Bot inactive, auto session skipped")
		s.suspend()
		return
	}

	if err := s.target.RunAutoSession(ctx); err != nil {
		s.logger.Warn("Auto session failed", zap.Error(err))
	}
	if err := s.store.Persist(ctx, s.lastRunKey, s.clock.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("Failed to persist last auto session", zap.Error(err))
	}

	if !s.target.BotActive(ctx) {
		s.suspend()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && s.state == Running {
		s.scheduleLocked(s.randomDelay())
	}
}

func (s *Scheduler) suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancelTimer()
	if s.state != Suspended {
		s.logger.Info("Auto-session scheduler suspended")
	}
	s.state = Suspended
}

func (s *Scheduler) onBotStatus(ev events.Event) {
	status, ok := ev.(events.BotStatusChanged)
	if !ok || status.UserID != s.userID {
		return
	}
	if !status.Active {
		s.suspend()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	s.arm(ctx)
}

// watchdog re-arms a suspended or idle loop whose bot is active again and
// fires a scheduled run that is overdue
func (s *Scheduler) watchdog() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	s.mu.Lock()
	state, next := s.state, s.nextRun
	s.mu.Unlock()

	switch state {
	case Idle, Suspended:
		if s.target.BotActive(ctx) {
			s.logger.Info("Watchdog re-armed auto sessions", zap.Stringer("state", state))
			s.arm(ctx)
		}
	case Scheduled:
		if s.clock.Now().After(next.Add(s.cfg.WatchdogInterval)) {
			s.logger.Warn("Watchdog found overdue auto session", zap.Time("due", next))
			s.fire()
		}
	}
}

func (s *Scheduler) lastRun(ctx context.Context) (time.Time, bool) {
	raw := s.store.Read(ctx, s.lastRunKey, "")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) randomDelay() time.Duration {
	p := s.plan()
	lo, hi := p.MinInterval, p.MaxInterval
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.jitter(int64(hi-lo)+1))
}

func (s *Scheduler) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
