// Package apierr defines the error taxonomy shared by the API surface and
// the controllers. Every error carries an EC2 error code and an HTTP status
// so handlers can render it without switching on concrete types.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the common error shape returned by controllers.
type Error struct {
	Code    string // EC2 error code, e.g. "InvalidVolume.NotFound"
	Status  int    // HTTP status
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFound reports a missing entity. The code should follow the EC2
// "InvalidXxx.NotFound" convention for the entity kind.
func NotFound(code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Duplicate reports a unique-key collision.
func Duplicate(format string, args ...any) *Error {
	return &Error{Code: "InvalidParameterValue.Duplicate", Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// API reports a failed precondition: bad argument, wrong state, unsupported
// option.
func API(format string, args ...any) *Error {
	return &Error{Code: "InvalidParameterValue", Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// AuthFailure reports a signature mismatch or missing credentials.
func AuthFailure(format string, args ...any) *Error {
	return &Error{Code: "AuthFailure", Status: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a failed role check.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: "UnauthorizedOperation", Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// QuotaError reports an exhausted project quota with the breakdown that
// produced the denial.
type QuotaError struct {
	Resource  string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("ResourceLimitExceeded: quota exceeded for %s: requested %d, used %d of %d",
		e.Resource, e.Requested, e.Used, e.Limit)
}

// RPCTimeout reports an unanswered call; the operation is retryable.
func RPCTimeout(format string, args ...any) *Error {
	return &Error{Code: "RequestTimeout", Status: http.StatusServiceUnavailable, Message: fmt.Sprintf(format, args...)}
}

// ServiceUnavailable reports that no worker can take the request right now.
func ServiceUnavailable(format string, args ...any) *Error {
	return &Error{Code: "Unavailable", Status: http.StatusServiceUnavailable, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors recovered locally or surfaced for caller retry. These are
// plain values so drivers and controllers can match them with errors.Is.
var (
	ErrVolumeIsBusy      = errors.New("volume is busy")
	ErrSnapshotIsBusy    = errors.New("snapshot is busy")
	ErrNoMoreTargets     = errors.New("no more iscsi targets available")
	ErrNoMoreAddresses   = errors.New("no more fixed addresses available")
	ErrNoMoreFloatingIPs = errors.New("no more floating ips available")
	ErrUnknownSignature  = errors.New("unknown signature version")
)

// Internal returns the generic last-resort server-side error. The err
// argument is not retained: the returned Error carries only the generic
// message, not the cause.
func Internal(err error) *Error {
	return &Error{Code: "InternalError", Status: http.StatusInternalServerError,
		Message: "an internal error occurred"}
}

// IsNotFound reports whether err is a NotFound-class Error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// IsDuplicate reports whether err is a Duplicate-class Error.
func IsDuplicate(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusConflict
}

// EC2Code maps any error to its EC2 error code and HTTP status, defaulting
// unknown errors to an internal error.
func EC2Code(err error) (code string, status int) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Status
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return "ResourceLimitExceeded", http.StatusBadRequest
	}
	switch {
	case errors.Is(err, ErrNoMoreTargets),
		errors.Is(err, ErrNoMoreAddresses),
		errors.Is(err, ErrNoMoreFloatingIPs):
		return "InsufficientAddressCapacity", http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownSignature):
		return "UnknownSignatureVersion", http.StatusBadRequest
	}
	return "InternalError", http.StatusInternalServerError
}
