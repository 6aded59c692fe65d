package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceError_StatusCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{BadRequestError(nil, "bad"), http.StatusBadRequest},
		{UnAuthorizedError(nil, "who"), http.StatusUnauthorized},
		{ForbiddenError(nil, "no"), http.StatusForbidden},
		{ResourceNotFoundError(nil, "gone"), http.StatusNotFound},
		{ConflictError(nil, "busy"), http.StatusConflict},
		{UnprocessableError(nil, "limit"), http.StatusUnprocessableEntity},
		{DependencyFailureError(nil, "db"), http.StatusBadGateway},
		{GeneralError(nil), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var svcErr *ServiceError
		assert.True(t, errors.As(tt.err, &svcErr))
		assert.Equal(t, tt.code, svcErr.StatusCode(), svcErr.Category.String())
	}
}

func TestServiceError_WrapsCause(t *testing.T) {
	cause := errors.New("insufficient balance")
	err := fmt.Errorf("withdraw: %w", UnprocessableError(cause, "Insufficient balance"))

	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, CategoryUnprocessable))
	assert.False(t, Is(err, CategoryDataError))
	assert.False(t, IsInternalError(err))
	assert.Equal(t, "withdraw: insufficient balance", err.Error())
}

func TestIsInternalError(t *testing.T) {
	assert.True(t, IsInternalError(errors.New("boom")))
	assert.True(t, IsInternalError(GeneralError(nil)))
	assert.True(t, IsInternalError(DependencyFailureError(nil, "db")))
	assert.False(t, IsInternalError(BadRequestError(nil, "bad")))
}
