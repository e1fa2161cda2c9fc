package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal   ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidPeriod    ErrorCode = "INVALID_PERIOD"
	ErrCodeInvalidRecord    ErrorCode = "INVALID_RECORD"

	ErrCodeUnbalancedEntry ErrorCode = "UNBALANCED_ENTRY"

	ErrCodeExecutionNotFound ErrorCode = "EXECUTION_NOT_FOUND"
	ErrCodeApprovalNotFound  ErrorCode = "APPROVAL_NOT_FOUND"
	ErrCodeAlreadyRunning    ErrorCode = "ALREADY_RUNNING"
	ErrCodeAlreadyDecided    ErrorCode = "ALREADY_DECIDED"
	ErrCodeInvalidWorkflow   ErrorCode = "INVALID_WORKFLOW_TYPE"
	ErrCodeInvalidDecision   ErrorCode = "INVALID_DECISION"

	ErrCodeTransientExternal ErrorCode = "TRANSIENT_EXTERNAL_ERROR"
	ErrCodePermanentExternal ErrorCode = "PERMANENT_EXTERNAL_ERROR"
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
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
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

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
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

// NewTransientExternalError marks an external failure as retryable per the
// step retry policy (timeouts, rate limits, connector outages).
func NewTransientExternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodeTransientExternal,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewPermanentExternalError marks an external failure that retrying cannot
// fix (malformed payloads, rejected requests). The step fails immediately.
func NewPermanentExternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodePermanentExternal,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

var (
	ErrInvalidPeriod = NewValidationError("service period is invalid", ErrCodeInvalidPeriod)

	// ErrUnbalancedEntry should be unreachable by construction; hitting it
	// means an internal consistency bug, not bad user input.
	ErrUnbalancedEntry = &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeUnbalancedEntry,
		Message:    "journal entry debits and credits do not balance",
		StatusCode: http.StatusInternalServerError,
	}

	ErrExecutionNotFound = NewNotFoundError("workflow execution not found", ErrCodeExecutionNotFound)
	ErrApprovalNotFound  = NewNotFoundError("approval request not found", ErrCodeApprovalNotFound)
	ErrAlreadyRunning    = NewConflictError("an execution for this close key is already in flight", ErrCodeAlreadyRunning)
	ErrAlreadyDecided    = NewConflictError("approval request has already been decided", ErrCodeAlreadyDecided)
	ErrInvalidWorkflow   = NewValidationError("unknown workflow type", ErrCodeInvalidWorkflow)
	ErrInvalidDecision   = NewValidationError("decision must be approved or rejected", ErrCodeInvalidDecision)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsTransient reports whether err is eligible for step-level retry.
func IsTransient(err error) bool {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code == ErrCodeTransientExternal
	}
	return false
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
