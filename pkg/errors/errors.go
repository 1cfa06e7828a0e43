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
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Authorization errors
	ErrCodeForbidden           ErrorCode = "FORBIDDEN"
	ErrCodeParticipantMismatch ErrorCode = "PARTICIPANT_MISMATCH"

	// Not found errors
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeUnknownSession ErrorCode = "UNKNOWN_SESSION"

	// Call admission errors
	ErrCodeDoctorUnavailable ErrorCode = "DOCTOR_UNAVAILABLE"
	ErrCodeDoctorBusy        ErrorCode = "DOCTOR_BUSY"

	// Session resolution errors
	ErrCodeSessionAlreadyResolved ErrorCode = "SESSION_ALREADY_RESOLVED"

	// Transport errors
	ErrCodeChannelOverflow ErrorCode = "CHANNEL_OVERFLOW"
	ErrCodePresenceExpired ErrorCode = "PRESENCE_EXPIRED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
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

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Authorization errors
func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

// ParticipantMismatchError is returned when a sender is not one of the two
// registered participants of a session
func ParticipantMismatchError() *AppError {
	return NewWithStatus(ErrCodeParticipantMismatch, "Participant is not a member of this session", http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// UnknownSessionError is returned for operations against a session ID the
// coordinator does not know
func UnknownSessionError() *AppError {
	return NewWithStatus(ErrCodeUnknownSession, "Session not found", http.StatusNotFound)
}

// Call admission errors

// DoctorUnavailableError is returned when a call request targets an offline doctor
func DoctorUnavailableError() *AppError {
	return NewWithStatus(ErrCodeDoctorUnavailable, "Doctor is not online", http.StatusConflict)
}

// DoctorBusyError is returned when the doctor already has a non-terminal session
func DoctorBusyError() *AppError {
	return NewWithStatus(ErrCodeDoctorBusy, "Doctor is in another consultation", http.StatusConflict)
}

// SessionAlreadyResolvedError is returned to the loser of a concurrent
// accept/reject race
func SessionAlreadyResolvedError() *AppError {
	return NewWithStatus(ErrCodeSessionAlreadyResolved, "Session has already been resolved", http.StatusConflict)
}

// Transport errors

// ChannelOverflowError indicates the relay reorder buffer bound was exceeded
func ChannelOverflowError() *AppError {
	return NewWithStatus(ErrCodeChannelOverflow, "Signaling reorder buffer exceeded", http.StatusServiceUnavailable)
}

// PresenceExpiredError indicates a heartbeat arrived for an offline doctor
func PresenceExpiredError() *AppError {
	return NewWithStatus(ErrCodePresenceExpired, "Presence expired, go online again", http.StatusGone)
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

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
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

// IsCode reports whether err is an AppError with the given code
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}
