package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Call lifecycle errors
	ErrCodeUserBusy      ErrorCode = "USER_BUSY"
	ErrCodeUserOffline   ErrorCode = "USER_OFFLINE"
	ErrCodeInvalidCall   ErrorCode = "INVALID_CALL"
	ErrCodeCallFailed    ErrorCode = "CALL_FAILED"
	ErrCodeAcceptFailed  ErrorCode = "ACCEPT_FAILED"
	ErrCodeDeclineFailed ErrorCode = "DECLINE_FAILED"
	ErrCodeEndFailed     ErrorCode = "END_FAILED"
	ErrCodeInviteFailed  ErrorCode = "INVITE_FAILED"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// Call lifecycle errors

// UserBusyError indicates the target already occupies an active call
func UserBusyError() *AppError {
	return NewWithStatus(ErrCodeUserBusy, "User is busy in another call", http.StatusConflict)
}

// UserOfflineError indicates the target has no live connection
func UserOfflineError() *AppError {
	return NewWithStatus(ErrCodeUserOffline, "User is not reachable", http.StatusNotFound)
}

// InvalidCallError indicates an unknown or already-ended call ID
func InvalidCallError() *AppError {
	return NewWithStatus(ErrCodeInvalidCall, "Call not found or already ended", http.StatusNotFound)
}

func CallFailedError(message string) *AppError {
	return NewWithStatus(ErrCodeCallFailed, message, http.StatusInternalServerError)
}

func AcceptFailedError(message string) *AppError {
	return NewWithStatus(ErrCodeAcceptFailed, message, http.StatusConflict)
}

func DeclineFailedError(message string) *AppError {
	return NewWithStatus(ErrCodeDeclineFailed, message, http.StatusConflict)
}

func EndFailedError(message string) *AppError {
	return NewWithStatus(ErrCodeEndFailed, message, http.StatusConflict)
}

func InviteFailedError(message string) *AppError {
	return NewWithStatus(ErrCodeInviteFailed, message, http.StatusConflict)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeDatabase,
		Message:    "Database error",
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return InternalError(err.Error())
}
