package usecase

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a turn was rejected before or while committing.
// Inference failures never surface here; they end the turn with an apology.
type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorConflict     ErrorCode = "CONFLICT"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// reasonUnexpected is reported for errors that did not come from a turn.
const reasonUnexpected = "unexpected"

// Error is a rejected turn: Code picks the transport status, Reason is a
// stable snake_case token clients can match on.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("turn rejected: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("turn rejected: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CodeOf extracts the code and reason from anywhere in err's chain. Anything
// else counts as an internal error.
func CodeOf(err error) (ErrorCode, string) {
	var te *Error
	if err == nil || !errors.As(err, &te) || te == nil {
		return ErrorInternal, reasonUnexpected
	}
	if te.Code == "" {
		return ErrorInternal, te.Reason
	}
	return te.Code, te.Reason
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
