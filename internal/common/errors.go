package common

import (
	"errors"
	"net/http"
)

// Error codes shared by the HTTP handlers.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeUnavailable      = "UNAVAILABLE"
	CodeOrderCanceled    = "ORDER_CANCELED"
	CodeDiscountInvalid  = "DISCOUNT_INVALID"
	CodeBusy             = "BUSY"
	CodeRateLimited      = "RATE_LIMITED"
	CodeLastEquipment    = "LAST_EQUIPMENT"
	CodeRangeTooLong     = "RANGE_TOO_LONG"
	// CodePolicyMisconfigured marks an owner missing from the rental policy.
	CodePolicyMisconfigured = "POLICY_MISCONFIGURED"
	CodeInternal            = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// BadRequest wraps err as a 400 with the error text as message.
func BadRequest(code string, err error) *AppError {
	return &AppError{Code: code, Message: err.Error(), HTTPStatus: http.StatusBadRequest, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}
