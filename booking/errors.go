package booking

import (
	"errors"
	"strings"
)

// Error taxonomy shared by the registry and the agreement lifecycle. Packages wrap these with
// context, e.g. fmt.Errorf("%w: application %s is %s", booking.ErrInvalidState, id, status).
var (
	ErrNotFound     = errors.New("booking: not found")
	ErrInvalidState = errors.New("booking: invalid state")
	ErrConflict     = errors.New("booking: conflict")
	ErrOutOfOrder   = errors.New("booking: out of order")
	ErrExpired      = errors.New("booking: expired")
	ErrValidation   = errors.New("booking: validation failed")
	ErrForbidden    = errors.New("booking: forbidden")
)

// Code returns the stable machine code for err, or "INTERNAL" for unclassified failures.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrOutOfOrder):
		return "OUT_OF_ORDER"
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	default:
		return "INTERNAL"
	}
}

// Message returns the operator-facing text for err. Each taxonomy error has its own message so
// "someone else already acted" never reads like "you did something invalid".
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "The requested record does not exist."
	case errors.Is(err, ErrInvalidState):
		return "This action is not allowed in the record's current state. Refresh and try again."
	case errors.Is(err, ErrConflict):
		return "Someone else already handled this. Refresh to see the latest state."
	case errors.Is(err, ErrOutOfOrder):
		return "The other party must sign first."
	case errors.Is(err, ErrExpired):
		return "This agreement has expired."
	case errors.Is(err, ErrValidation):
		return "Some of the submitted information is missing or invalid."
	case errors.Is(err, ErrForbidden):
		return "You are not a party to this record."
	default:
		return "An unexpected error occurred."
	}
}

// Detail returns the context a caller attached after the taxonomy error, e.g. "fee amount must be
// positive" for fmt.Errorf("%w: fee amount must be positive", ErrValidation). It is empty for
// unclassified errors and for bare sentinels.
func Detail(err error) string {
	for _, sentinel := range []error{ErrNotFound, ErrInvalidState, ErrConflict, ErrOutOfOrder, ErrExpired, ErrValidation, ErrForbidden} {
		if !errors.Is(err, sentinel) {
			continue
		}
		msg := err.Error()
		i := strings.Index(msg, sentinel.Error())
		if i < 0 {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(msg[i+len(sentinel.Error()):], ":"))
	}
	return ""
}
