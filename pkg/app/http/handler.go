// Package http provides chi-compatible handler plumbing: error-returning
// handlers, JSON encoding and request validation, bearer authentication.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/revenue-middleware/pkg/app/errors"
	"github.com/chainsafe/revenue-middleware/pkg/auth"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// HandlerFunc defines a function that returns an error for clean error handling
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type errorResponse struct {
	ErrMsg     string `json:"error"`
	ErrMsgCode int    `json:"code"`
}

// HandleError wraps an error-returning HandlerFunc into a standard http.HandlerFunc.
// Internal errors are logged; the client only sees the category message.
//
//	r.Post("/v1/me/sessions", apphttp.HandleError(h.runSession, logger))
func HandleError(h HandlerFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		if logger != nil && apperrors.IsInternalError(err) {
			logger.Error("Request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
		}
		DefaultErrorHandler(w, err)
	}
}

// DefaultErrorHandler writes err as a JSON error body
func DefaultErrorHandler(w http.ResponseWriter, err error) {
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		_ = WriteJSON(w, svcErr.StatusCode(), &errorResponse{
			ErrMsg:     svcErr.Message,
			ErrMsgCode: svcErr.StatusCode(),
		})
		return
	}

	_ = WriteJSON(w, http.StatusInternalServerError, &errorResponse{
		ErrMsg:     "Unexpected Service Error",
		ErrMsgCode: http.StatusInternalServerError,
	})
}

// WriteJSON writes v with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v and runs its validate tags
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.BadRequestError(err, "invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperrors.BadRequestError(err, fmt.Sprintf("invalid field %s", verrs[0].Field()))
		}
		return apperrors.BadRequestError(err, "invalid request body")
	}
	return nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token subject as the user id
func RequireAuth(v *auth.JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r)
			if err != nil {
				DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "missing bearer token"))
				return
			}
			userID, err := v.ValidateToken(token)
			if err != nil {
				DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}
