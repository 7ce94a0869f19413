// Package domainerrors provides coded errors so transport and middleware
// layers can map failures to client-visible responses without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for propagation policy decisions.
type Code string

const (
	CodeInternal   Code = "internal"
	CodeBadRequest Code = "bad_request"
	CodeNotFound   Code = "not_found"

	// Resilience layer taxonomy. These are expected operational outcomes,
	// not bugs; callers translate them into specific client responses.
	CodeCircuitOpen      Code = "circuit_open"
	CodeUpstreamTimeout  Code = "upstream_timeout"
	CodeUpstreamError    Code = "upstream_error"
	CodeCallerError      Code = "caller_error"
	CodeRateLimited      Code = "rate_limited"
	CodeQuotaExhausted   Code = "quota_exhausted"
	CodeConcurrencyLimit Code = "concurrency_limit_reached"
	CodeLockHeld         Code = "lock_already_held"
	CodeStoreUnavailable Code = "store_unavailable"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. Returns nil if err
// is nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.cause
		de = nil
	}
	return false
}

// GetCode returns the outermost code in the chain, or CodeInternal if the
// error carries no code.
func GetCode(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is delegates to errors.Is; kept so call sites can stay on one import.
func Is(err, target error) bool { return errors.Is(err, target) }
