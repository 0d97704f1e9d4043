package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Registration and fulfillment conditions. All recoverable and user-facing,
// returned through the response envelope rather than raised as fatal errors.
var (
	ErrDuplicateRegistration = New("DUPLICATE_REGISTRATION", http.StatusConflict, "participant already registered for this event")
	ErrInsufficientStock     = New("INSUFFICIENT_STOCK", http.StatusConflict, "requested quantity exceeds remaining stock")
	ErrWrongEventType        = New("WRONG_EVENT_TYPE", http.StatusBadRequest, "operation not supported for this event type")
	ErrTicketNotFound        = New("TICKET_NOT_FOUND", http.StatusNotFound, "no registration matches this ticket")
	ErrUnauthorizedEvent     = New("UNAUTHORIZED_EVENT", http.StatusForbidden, "organizer does not own this event")
	ErrInvalidStatus         = New("INVALID_STATUS", http.StatusConflict, "registration status does not allow this operation")
	ErrDuplicateScan         = New("DUPLICATE_SCAN", http.StatusConflict, "ticket has already been scanned")
	ErrPaymentNotApproved    = New("PAYMENT_NOT_APPROVED", http.StatusPreconditionFailed, "payment has not been approved")
	ErrInvalidCredential     = New("INVALID_CREDENTIAL", http.StatusBadRequest, "credential payload could not be decoded")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
