package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes into the lifecycle taxonomy callers branch on.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindInvalidState     Kind = "INVALID_STATE"
	KindCapacityExceeded Kind = "CAPACITY_EXCEEDED"
	KindPolicyViolation  Kind = "POLICY_VIOLATION"
	KindValidation       Kind = "VALIDATION"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindForbidden        Kind = "FORBIDDEN"
	KindTransient        Kind = "TRANSIENT"
	KindInternal         Kind = "INTERNAL"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
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

// Is reports whether target carries the same code, so cloned errors still match
// their predefined sentinel.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, kind Kind, status int, message string) *Error {
	return &Error{Code: code, Kind: kind, Status: status, Message: message}
}

// Wrap attaches context to an existing error, keeping the code, kind and status of base.
func Wrap(err error, base *Error, message string) *Error {
	if base == nil {
		base = ErrInternal
	}
	if message == "" {
		message = base.Message
	}
	return &Error{Code: base.Code, Kind: base.Kind, Status: base.Status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound     = New("NOT_FOUND", KindNotFound, http.StatusNotFound, "resource not found")
	ErrForbidden    = New("FORBIDDEN", KindForbidden, http.StatusForbidden, "forbidden")
	ErrUnauthorized = New("UNAUTHORIZED", KindUnauthorized, http.StatusUnauthorized, "unauthorized")
	ErrConflict     = New("CONFLICT", KindConflict, http.StatusConflict, "conflict")
	ErrValidation   = New("VALIDATION_ERROR", KindValidation, http.StatusBadRequest, "validation failed")
	ErrInternal     = New("INTERNAL_ERROR", KindInternal, http.StatusInternalServerError, "internal server error")
	ErrCacheMiss    = New("CACHE_MISS", KindNotFound, http.StatusNotFound, "cache miss")

	ErrInvalidState     = New("INVALID_STATE", KindInvalidState, http.StatusConflict, "transition not allowed from current state")
	ErrCapacityExceeded = New("CAPACITY_EXCEEDED", KindCapacityExceeded, http.StatusConflict, "activity has no remaining capacity")

	ErrDuplicateEnrollment = New("DUPLICATE_ENROLLMENT", KindConflict, http.StatusConflict, "student already enrolled in activity")
	ErrAlreadyCheckedIn    = New("ALREADY_CHECKED_IN", KindConflict, http.StatusConflict, "already checked in")
	ErrAlreadyCheckedOut   = New("ALREADY_CHECKED_OUT", KindConflict, http.StatusConflict, "already checked out")
	ErrAlreadyIssued       = New("ALREADY_ISSUED", KindConflict, http.StatusConflict, "certificate already issued for enrollment")

	ErrNotCheckedIn           = New("NOT_CHECKED_IN", KindInvalidState, http.StatusConflict, "not checked in")
	ErrRegistrationClosed     = New("REGISTRATION_CLOSED", KindPolicyViolation, http.StatusUnprocessableEntity, "registration is closed")
	ErrActivityAlreadyStarted = New("ACTIVITY_ALREADY_STARTED", KindPolicyViolation, http.StatusUnprocessableEntity, "activity already started")
	ErrEnrollmentNotApproved  = New("ENROLLMENT_NOT_APPROVED", KindPolicyViolation, http.StatusUnprocessableEntity, "enrollment not approved")
	ErrEnrollmentNotCompleted = New("ENROLLMENT_NOT_COMPLETED", KindPolicyViolation, http.StatusUnprocessableEntity, "enrollment not completed")
	ErrAttendanceIncomplete   = New("ATTENDANCE_INCOMPLETE", KindPolicyViolation, http.StatusUnprocessableEntity, "no completed attendance for enrollment")
	ErrTokenInvalid           = New("TOKEN_INVALID", KindValidation, http.StatusBadRequest, "invalid or expired token")

	ErrCertificateCodeExhausted = New("CERTIFICATE_CODE_EXHAUSTED", KindTransient, http.StatusServiceUnavailable, "could not allocate a unique certificate code")
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
	return Wrap(err, ErrInternal, "")
}

// KindOf returns the taxonomy kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return KindInternal
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
