// Package errors maps domain failures onto client-facing categories
package errors

import (
	"errors"
	"net/http"
)

// Category classifies a ServiceError for the transport layer
type Category int

const (
	// CategoryGeneralError is an unexpected failure
	CategoryGeneralError Category = iota
	// CategoryDataError covers invalid or missing request data
	CategoryDataError
	// CategoryUnauthorized means the caller could not be authenticated
	CategoryUnauthorized
	// CategoryForbidden means the caller may not perform the operation
	CategoryForbidden
	// CategoryResourceNotFound means the addressed resource does not exist
	CategoryResourceNotFound
	// CategoryDataConflict means the request conflicts with current state,
	// e.g. an overlapping session
	CategoryDataConflict
	// CategoryUnprocessable means the request is well formed but the business
	// rules refuse it (insufficient balance, daily limit)
	CategoryUnprocessable
	// CategoryDependencyFailure means a remote store failed
	CategoryDependencyFailure
	// CategoryRecovering means the service is degraded but expected to recover
	CategoryRecovering
)

var categoryNames = map[Category]string{
	CategoryGeneralError:      "general_error",
	CategoryDataError:         "data_error",
	CategoryUnauthorized:      "unauthorized",
	CategoryForbidden:         "forbidden",
	CategoryResourceNotFound:  "not_found",
	CategoryDataConflict:      "conflict",
	CategoryUnprocessable:     "unprocessable",
	CategoryDependencyFailure: "dependency_failure",
	CategoryRecovering:        "recovering",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return categoryNames[CategoryGeneralError]
}

// ServiceError carries a client-safe message and the underlying cause
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error returns the underlying cause when present
func (err *ServiceError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err *ServiceError) Unwrap() error {
	return err.Err
}

// StatusCode returns the HTTP status code for the error category
func (err *ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryDataConflict:
		return http.StatusConflict
	case CategoryUnprocessable:
		return http.StatusUnprocessableEntity
	case CategoryDependencyFailure:
		return http.StatusBadGateway
	case CategoryRecovering:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is checks that err wraps a ServiceError of the given category
func Is(err error, cat Category) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Category == cat
}

// IsInternalError reports whether err should be logged as a server fault
func IsInternalError(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Category == CategoryGeneralError || svcErr.Category >= CategoryDependencyFailure
	}
	return true
}

func newError(cat Category, err error, message, fallback string) error {
	if err == nil {
		err = errors.New(fallback)
	}
	return &ServiceError{Category: cat, Message: message, Err: err}
}

// GeneralError hides err behind "Internal Server Error"
func GeneralError(err error) error {
	return newError(CategoryGeneralError, err, "Internal Server Error", "internal server error")
}

// BadRequestError returns an error with category DataError
func BadRequestError(err error, message string) error {
	return newError(CategoryDataError, err, message, "bad request: "+message)
}

// UnAuthorizedError returns an error with category Unauthorized
func UnAuthorizedError(err error, message string) error {
	return newError(CategoryUnauthorized, err, message, "unauthorized")
}

// ForbiddenError returns an error with category Forbidden
func ForbiddenError(err error, message string) error {
	return newError(CategoryForbidden, err, message, "forbidden")
}

// ResourceNotFoundError returns an error with category ResourceNotFound
func ResourceNotFoundError(err error, message string) error {
	return newError(CategoryResourceNotFound, err, message, "resource not found: "+message)
}

// ConflictError returns an error with category DataConflict
func ConflictError(err error, message string) error {
	return newError(CategoryDataConflict, err, message, "conflict")
}

// UnprocessableError returns an error with category Unprocessable
func UnprocessableError(err error, message string) error {
	return newError(CategoryUnprocessable, err, message, "unprocessable: "+message)
}

// DependencyFailureError returns an error with category DependencyFailure
func DependencyFailureError(err error, message string) error {
	return newError(CategoryDependencyFailure, err, message, "dependency failure")
}
