// Package apperr holds the error taxonomy shared by the ledger and the escrow core.
// Every failure returned to a caller wraps exactly one of the kind sentinels so
// callers can branch with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

// Kind sentinels.
var (
	// ErrValidation covers malformed input: zero amounts, missing deliverable, bad deadline.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization is returned when the caller does not hold the role the action needs.
	ErrAuthorization = errors.New("authorization error")
	// ErrState is returned when an operation is invalid for the current milestone or dispute status.
	ErrState = errors.New("state error")
	// ErrTiming is returned when a deadline, dispute window, or auto-approval delay blocks the action.
	ErrTiming = errors.New("timing error")
	// ErrTransfer is returned when the underlying fund transfer failed.
	ErrTransfer = errors.New("transfer error")
	// ErrNotFound is returned for unknown project or milestone ids.
	ErrNotFound = errors.New("not found")
)

func wrap(kind error, op, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if op == "" {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%s: %w: %s", op, kind, msg)
}

func Validation(op, format string, args ...any) error {
	return wrap(ErrValidation, op, format, args...)
}

func Authorization(op, format string, args ...any) error {
	return wrap(ErrAuthorization, op, format, args...)
}

func State(op, format string, args ...any) error {
	return wrap(ErrState, op, format, args...)
}

func Timing(op, format string, args ...any) error {
	return wrap(ErrTiming, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return wrap(ErrNotFound, op, format, args...)
}

// Transfer wraps cause (typically a token provider error) as a transfer failure.
func Transfer(op string, cause error) error {
	if op == "" {
		return fmt.Errorf("%w: %w", ErrTransfer, cause)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransfer, cause)
}

// KindOf names the kind of err, or "internal" if it carries none.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrTiming):
		return "timing"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	default:
		return "internal"
	}
}
