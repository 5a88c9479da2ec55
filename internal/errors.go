package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount     ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidPhone      ErrorCode = "INVALID_PHONE"
	ErrCodeInvalidReference  ErrorCode = "INVALID_REFERENCE"
	ErrCodeInvalidOutcome    ErrorCode = "INVALID_OUTCOME"
	ErrCodeMalformedCallback ErrorCode = "MALFORMED_CALLBACK"

	ErrCodePaymentNotFound     ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeDuplicateReference  ErrorCode = "DUPLICATE_REFERENCE"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeInvalidPaymentState ErrorCode = "INVALID_PAYMENT_STATE"

	ErrCodeGatewayAuth        ErrorCode = "GATEWAY_AUTH_FAILED"
	ErrCodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"
	ErrCodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"

	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on the error code so that freshly built errors compare equal to
// the package sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewExternalError describes a failure of the upstream payment gateway.
func NewExternalError(message string, code ErrorCode, statusCode int) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func NewGatewayAuthError(message string, cause error) *AppError {
	return NewExternalError(message, ErrCodeGatewayAuth, http.StatusBadGateway).WithCause(cause)
}

func NewGatewayRejectedError(message string, cause error) *AppError {
	return NewExternalError(message, ErrCodeGatewayRejected, http.StatusUnprocessableEntity).WithCause(cause)
}

func NewGatewayUnavailableError(message string, cause error) *AppError {
	return NewExternalError(message, ErrCodeGatewayUnavailable, http.StatusServiceUnavailable).WithCause(cause)
}

func NewMalformedCallbackError(message string) *AppError {
	return NewValidationError(message, ErrCodeMalformedCallback)
}

// TransitionDetails is attached to INVALID_TRANSITION and INVALID_PAYMENT_STATE
// errors so that the rejected decision can be reconstructed from logs.
type TransitionDetails struct {
	ExternalReference string `json:"external_reference"`
	CurrentStatus     string `json:"current_status"`
	AttemptedStatus   string `json:"attempted_status"`
	Reason            string `json:"reason,omitempty"`
}

func NewInvalidTransitionError(details TransitionDetails) *AppError {
	msg := fmt.Sprintf("cannot move payment %s from %s to %s", details.ExternalReference, details.CurrentStatus, details.AttemptedStatus)
	if details.Reason != "" {
		msg += ": " + details.Reason
	}
	return NewConflictError(msg, ErrCodeInvalidTransition).WithDetails(details)
}

func NewInvalidStateError(details TransitionDetails) *AppError {
	msg := fmt.Sprintf("payment %s is %s, operation requires a different state", details.ExternalReference, details.CurrentStatus)
	return NewConflictError(msg, ErrCodeInvalidPaymentState).WithDetails(details)
}

// Sentinels for errors.Is; never mutate them, build a fresh value instead.
var (
	ErrValidationFailed = NewValidationError("Validation failed", ErrCodeValidationFailed)

	ErrPaymentNotFound     = NewNotFoundError("Payment not found", ErrCodePaymentNotFound)
	ErrDuplicateReference  = NewConflictError("a payment with this reference already exists", ErrCodeDuplicateReference)
	ErrInvalidTransition   = NewConflictError("invalid payment status transition", ErrCodeInvalidTransition)
	ErrInvalidPaymentState = NewConflictError("payment is not in a state that allows this operation", ErrCodeInvalidPaymentState)
	ErrMalformedCallback   = NewMalformedCallbackError("malformed callback payload")

	ErrGatewayAuth        = NewExternalError("payment gateway authentication failed", ErrCodeGatewayAuth, http.StatusBadGateway)
	ErrGatewayRejected    = NewExternalError("payment gateway rejected the request", ErrCodeGatewayRejected, http.StatusUnprocessableEntity)
	ErrGatewayUnavailable = NewExternalError("payment gateway unavailable", ErrCodeGatewayUnavailable, http.StatusServiceUnavailable)

	ErrUnauthorizedAccess = NewForbiddenError("not allowed to perform this operation", ErrCodeUnauthorizedAccess)
	ErrInvalidToken       = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired       = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
