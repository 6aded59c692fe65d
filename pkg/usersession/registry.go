// Package usersession owns the per-user context objects: one daily gains
// tracker, balance manager, scheduler and session operator per open user.
package usersession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/revenue-middleware/internal/metrics"
	"github.com/chainsafe/revenue-middleware/pkg/balance"
	"github.com/chainsafe/revenue-middleware/pkg/config"
	"github.com/chainsafe/revenue-middleware/pkg/events"
	"github.com/chainsafe/revenue-middleware/pkg/gains"
	"github.com/chainsafe/revenue-middleware/pkg/kvstore"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
	"github.com/chainsafe/revenue-middleware/pkg/retry"
	"github.com/chainsafe/revenue-middleware/pkg/scheduler"
	"github.com/chainsafe/revenue-middleware/pkg/session"
)

// ErrEmptyUserID is returned by Open for an empty user id
var ErrEmptyUserID = errors.New("empty user id")

// Deps are shared by every session of a registry
type Deps struct {
	Store   *kvstore.Accessor
	Remote  remote.Store
	Bus     *events.Bus
	Catalog *plan.Catalog
	Retry   *retry.Policy
	Config  *config.Config
	Logger  *zap.Logger
}

// Session is one user's context
type Session struct {
	UserID    string
	Tracker   *gains.Tracker
	Balance   *balance.Manager
	Operator  *session.Operator
	Service   session.Service
	Scheduler *scheduler.Scheduler
}

// Focus reconciles the session when the user returns: the tracker is
// restored from its backup and the balance synced with the remote store.
func (s *Session) Focus(ctx context.Context) bool {
	s.Tracker.Restore(ctx)
	return s.Balance.SyncWithDatabase(ctx)
}

func (s *Session) stop() {
	s.Scheduler.Stop()
	s.Tracker.Stop()
}

// autoSessions drives the scheduler through the logged service
type autoSessions struct {
	svc session.Service
}

func (a autoSessions) BotActive(ctx context.Context) bool {
	return a.svc.BotActive(ctx)
}

func (a autoSessions) RunAutoSession(ctx context.Context) error {
	_, err := a.svc.RunSession(ctx, session.KindAuto)
	if errors.Is(err, session.ErrSessionInProgress) {
		return nil
	}
	return err
}

// Registry holds the open sessions
type Registry struct {
	deps Deps
	calc *session.Calculator

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]chan struct{}
}

// NewRegistry creates an empty registry
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		calc:     session.NewCalculator(deps.Config.Session, deps.Catalog),
		sessions: make(map[string]*Session),
		opening:  make(map[string]chan struct{}),
	}
}

// Open returns the user's session, creating and starting it on first use.
// A new session max-merges the remote balance into the local one and
// raises today's gains to what the remote transactions add up to. The
// registry lock is not held during remote calls; concurrent opens of the
// same user wait for the first one.
func (r *Registry) Open(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	for {
		r.mu.Lock()
		if s, ok := r.sessions[userID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		wait, busy := r.opening[userID]
		if !busy {
			done := make(chan struct{})
			r.opening[userID] = done
			r.mu.Unlock()
			return r.open(ctx, userID, done)
		}
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) open(ctx context.Context, userID string, done chan struct{}) (*Session, error) {
	s, err := r.prepare(ctx, userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.opening, userID)
	close(done)
	if err != nil {
		return nil, err
	}

	s.Tracker.Start(ctx)
	s.Scheduler.Start(ctx)
	r.sessions[userID] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.deps.Logger.Info("Opened user session",
		zap.String("user_id", userID),
		zap.Stringer("balance", s.Balance.Current()),
		zap.Stringer("daily_gains", s.Tracker.Get(ctx)))
	return s, nil
}

// prepare builds a session and reconciles it with the remote store
func (r *Registry) prepare(ctx context.Context, userID string) (*Session, error) {
	rb, err := r.deps.Remote.EnsureUserBalance(ctx, userID, r.deps.Catalog.Fallback().Tier)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user balance: %w", err)
	}

	s := r.build(ctx, userID)
	if _, err := s.Operator.LoadProfile(ctx); err != nil {
		r.deps.Logger.Warn("Failed to load profile", zap.String("user_id", userID), zap.Error(err))
	}
	s.Balance.Initialize(ctx, rb.Balance, userID)
	s.Balance.SyncWithDatabase(ctx)
	r.mergeTodaysGains(ctx, s)
	return s, nil
}

// Get returns an open session
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Sessions returns the open sessions ordered by user id
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Switch closes previousUserID's session with a cleanup of its local data
// and opens nextUserID's
func (r *Registry) Switch(ctx context.Context, previousUserID, nextUserID string) (*Session, error) {
	if previousUserID != "" && previousUserID != nextUserID {
		r.Close(ctx, previousUserID, true)
	}
	return r.Open(ctx, nextUserID)
}

// Close stops the user's session. With cleanup the balance is pushed to the
// remote store first and the user's local balance data is cleared.
func (r *Registry) Close(ctx context.Context, userID string, cleanup bool) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	if !ok {
		return
	}

	s.stop()
	if cleanup {
		s.Balance.SyncWithDatabase(ctx)
		s.Balance.CleanupUserBalanceData(ctx)
	}
	r.deps.Logger.Info("Closed user session", zap.String("user_id", userID), zap.Bool("cleanup", cleanup))
}

// CloseAll stops every session without cleanup and drops the keyed store
// cache
func (r *Registry) CloseAll(ctx context.Context) {
	for _, s := range r.Sessions() {
		r.Close(ctx, s.UserID, false)
	}
	r.deps.Store.ClearCache()
}

func (r *Registry) build(ctx context.Context, userID string) *Session {
	d := r.deps
	logger := d.Logger.With(zap.String("user_id", userID))

	var op *session.Operator
	ceiling := func() decimal.Decimal { return op.Plan().DailyLimit }

	tracker := gains.New(userID, d.Store, d.Bus, ceiling, d.Config.Gains, d.Logger)
	manager := balance.New(ctx, userID, d.Store, d.Remote, d.Retry, d.Bus, d.Logger)
	op = session.NewOperator(userID, d.Remote, tracker, manager, d.Store, r.calc, d.Catalog, d.Bus, d.Logger)
	svc := session.NewLog(op, logger)
	sched := scheduler.New(userID, autoSessions{svc: svc}, d.Store, op.Plan, d.Bus, d.Config.Scheduler, d.Logger)

	return &Session{
		UserID:    userID,
		Tracker:   tracker,
		Balance:   manager,
		Operator:  op,
		Service:   svc,
		Scheduler: sched,
	}
}

func (r *Registry) mergeTodaysGains(ctx context.Context, s *Session) {
	now := r.deps.Store.Clock().Now()
	txs, err := r.deps.Remote.ListTransactions(ctx, s.UserID, remote.StartOfDay(now))
	if err != nil {
		r.deps.Logger.Warn("Failed to load today's transactions", zap.String("user_id", s.UserID), zap.Error(err))
		return
	}
	s.Tracker.Merge(ctx, remote.DailyGainsFromTransactions(txs, now))
}
