package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Input errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Ownership errors
	ErrCodeAuthorization ErrorCode = "AUTHORIZATION_ERROR"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"

	// Stale references
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Call target / call state errors
	ErrCodeInvalidTarget ErrorCode = "INVALID_TARGET"

	// Device errors
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeNoMicrophone     ErrorCode = "NO_MICROPHONE"

	// Synchronization / media port failures
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
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

// Is matches another *AppError by code, so errors.Is(err, &AppError{Code: X}) works
// across wrapping layers.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// ValidationError reports empty or malformed input.
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

// AuthorizationError reports an attempt to mutate a record owned by someone else.
func AuthorizationError(message string) *AppError {
	return NewWithStatus(ErrCodeAuthorization, message, http.StatusForbidden)
}

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// NotFoundError reports a stale reference to an already-removed record.
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// InvalidTargetError reports an illegal call target or an operation illegal in the current call state.
func InvalidTargetError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidTarget, message, http.StatusConflict)
}

// MediaUnavailableError reports a device acquisition failure.
func MediaUnavailableError(message string, err error) *AppError {
	return WrapWithStatus(ErrCodeMediaUnavailable, message, http.StatusServiceUnavailable, err)
}

// NoMicrophoneError is the MediaUnavailable case where no audio input exists at all.
func NoMicrophoneError(err error) *AppError {
	return WrapWithStatus(ErrCodeNoMicrophone, "No microphone available", http.StatusServiceUnavailable, err)
}

// TransportError wraps a Synchronization or Media port failure.
func TransportError(operation string, err error) *AppError {
	return WrapWithStatus(ErrCodeTransport, operation+" failed", http.StatusBadGateway, err)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// HasCode reports whether err (or anything it wraps) is an AppError with the given code.
// NO_MICROPHONE also satisfies MEDIA_UNAVAILABLE.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	if appErr.Code == code {
		return true
	}
	return code == ErrCodeMediaUnavailable && appErr.Code == ErrCodeNoMicrophone
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
