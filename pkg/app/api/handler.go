package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/revenue-middleware/pkg/app/errors"
	apphttp "github.com/chainsafe/revenue-middleware/pkg/app/http"
	"github.com/chainsafe/revenue-middleware/pkg/auth"
	"github.com/chainsafe/revenue-middleware/pkg/balance"
	"github.com/chainsafe/revenue-middleware/pkg/plan"
	"github.com/chainsafe/revenue-middleware/pkg/referral"
	"github.com/chainsafe/revenue-middleware/pkg/remote"
	"github.com/chainsafe/revenue-middleware/pkg/session"
	"github.com/chainsafe/revenue-middleware/pkg/usersession"
)

// SessionOpener returns the caller's session, opening it on first use
type SessionOpener interface {
	Open(ctx context.Context, userID string) (*usersession.Session, error)
}

// ReferralTracker records referrals
type ReferralTracker interface {
	TrackReferral(ctx context.Context, referrerID, referredUserID string, planType plan.Tier) (*remote.Referral, error)
}

type balanceResponse struct {
	CurrentBalance decimal.Decimal `json:"current_balance"`
	HighestBalance decimal.Decimal `json:"highest_balance"`
	DailyGains     decimal.Decimal `json:"daily_gains"`
	BotActive      bool            `json:"bot_active"`
}

type sessionResponse struct {
	Gain         decimal.Decimal `json:"gain"`
	NewBalance   decimal.Decimal `json:"new_balance"`
	DailyGains   decimal.Decimal `json:"daily_gains"`
	LimitReached bool            `json:"limit_reached"`
}

type botRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type withdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type focusResponse struct {
	Synced bool `json:"synced"`
}

type referralRequest struct {
	ReferrerID string `json:"referrer_id" validate:"required,max=128"`
	PlanType   string `json:"plan_type" validate:"required,max=32"`
}

type referralResponse struct {
	ReferrerID     string          `json:"referrer_id"`
	ReferredUserID string          `json:"referred_user_id"`
	PlanType       plan.Tier       `json:"plan_type"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Status         string          `json:"status"`
}

type handler struct {
	sessions  SessionOpener
	referrals ReferralTracker
	logger    *zap.Logger
}

// RegisterRoutes mounts the authenticated /v1 routes
func RegisterRoutes(r chi.Router, sessions SessionOpener, referrals ReferralTracker, v *auth.JWTValidator, logger *zap.Logger) {
	h := &handler{sessions: sessions, referrals: referrals, logger: logger}

	r.Route("/v1", func(r chi.Router) {
		r.Use(apphttp.RequireAuth(v))

		r.Get("/me/balance", apphttp.HandleError(h.getBalance, logger))
		r.Post("/me/sessions", apphttp.HandleError(h.runSession, logger))
		r.Put("/me/bot", apphttp.HandleError(h.setBot, logger))
		r.Post("/me/withdrawals", apphttp.HandleError(h.withdraw, logger))
		r.Post("/me/focus", apphttp.HandleError(h.focus, logger))
		r.Post("/referrals", apphttp.HandleError(h.trackReferral, logger))
	})
}

func (h *handler) session(r *http.Request) (*usersession.Session, error) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return nil, apperrors.UnAuthorizedError(nil, "missing user")
	}
	s, err := h.sessions.Open(r.Context(), userID)
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) error {
	s, err := h.session(r)
	if err != nil {
		return err
	}
	snap := s.Balance.Snapshot()
	return apphttp.WriteJSON(w, http.StatusOK, &balanceResponse{
		CurrentBalance: snap.CurrentBalance,
		HighestBalance: snap.HighestBalance,
		DailyGains:     s.Tracker.Get(r.Context()),
		BotActive:      s.Service.BotActive(r.Context()),
	})
}

func (h *handler) runSession(w http.ResponseWriter, r *http.Request) error {
	s, err := h.session(r)
	if err != nil {
		return err
	}
	res, err := s.Service.RunSession(r.Context(), session.KindManual)
	if err != nil {
		return mapError(err)
	}
	return apphttp.WriteJSON(w, http.StatusOK, &sessionResponse{
		Gain:         res.Gain,
		NewBalance:   res.NewBalance,
		DailyGains:   res.DailyGains,
		LimitReached: res.LimitReached,
	})
}

func (h *handler) setBot(w http.ResponseWriter, r *http.Request) error {
	var req botRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	s, err := h.session(r)
	if err != nil {
		return err
	}
	if err := s.Service.SetBotActive(r.Context(), *req.Active, "user"); err != nil {
		return mapError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) error {
	var req withdrawalRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	s, err := h.session(r)
	if err != nil {
		return err
	}
	if err := s.Balance.Withdraw(r.Context(), req.Amount); err != nil {
		return mapError(err)
	}
	snap := s.Balance.Snapshot()
	return apphttp.WriteJSON(w, http.StatusOK, &balanceResponse{
		CurrentBalance: snap.CurrentBalance,
		HighestBalance: snap.HighestBalance,
		DailyGains:     s.Tracker.Get(r.Context()),
		BotActive:      s.Service.BotActive(r.Context()),
	})
}

func (h *handler) focus(w http.ResponseWriter, r *http.Request) error {
	s, err := h.session(r)
	if err != nil {
		return err
	}
	return apphttp.WriteJSON(w, http.StatusOK, &focusResponse{Synced: s.Focus(r.Context())})
}

func (h *handler) trackReferral(w http.ResponseWriter, r *http.Request) error {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return apperrors.UnAuthorizedError(nil, "missing user")
	}
	var req referralRequest
	if err := apphttp.DecodeJSON(r, &req); err != nil {
		return err
	}
	ref, err := h.referrals.TrackReferral(r.Context(), req.ReferrerID, userID, plan.Tier(req.PlanType))
	if err != nil {
		return mapError(err)
	}
	return apphttp.WriteJSON(w, http.StatusCreated, &referralResponse{
		ReferrerID:     ref.ReferrerID,
		ReferredUserID: ref.ReferredUserID,
		PlanType:       ref.PlanType,
		CommissionRate: ref.CommissionRate,
		Status:         string(ref.Status),
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, balance.ErrInvalidAmount):
		return apperrors.BadRequestError(err, "invalid amount")
	case errors.Is(err, referral.ErrInvalidReferral):
		return apperrors.BadRequestError(err, err.Error())
	case errors.Is(err, balance.ErrInsufficientBalance):
		return apperrors.UnprocessableError(err, "insufficient balance")
	case errors.Is(err, session.ErrDailyLimitReached):
		return apperrors.UnprocessableError(err, "daily limit reached")
	case errors.Is(err, session.ErrSessionInProgress):
		return apperrors.ConflictError(err, "session already in progress")
	case errors.Is(err, usersession.ErrEmptyUserID):
		return apperrors.UnAuthorizedError(err, "missing user")
	case errors.Is(err, remote.ErrNotFound):
		return apperrors.ResourceNotFoundError(err, "not found")
	default:
		return apperrors.DependencyFailureError(err, "remote store unavailable")
	}
}
