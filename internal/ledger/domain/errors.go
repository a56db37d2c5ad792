package domain

import (
	"context"
	"errors"
)

// Error kinds. Every failure returned by a ledger operation wraps exactly one
// of these; callers classify with errors.Is or KindOf.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBelowMinimum      = errors.New("below minimum")
	ErrAlreadyApproved   = errors.New("already approved")
	ErrContention        = errors.New("contention")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("duplicate")
)

// Kind names an error class.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindForbidden         Kind = "Forbidden"
	KindInvalidState      Kind = "InvalidState"
	KindInsufficientFunds Kind = "InsufficientFunds"
	KindBelowMinimum      Kind = "BelowMinimum"
	KindAlreadyApproved   Kind = "AlreadyApproved"
	KindContention        Kind = "Contention"
	KindValidation        Kind = "Validation"
	KindDuplicate         Kind = "Duplicate"
	KindInternal          Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrInvalidState, KindInvalidState},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrBelowMinimum, KindBelowMinimum},
	{ErrAlreadyApproved, KindAlreadyApproved},
	{ErrContention, KindContention},
	{ErrValidation, KindValidation},
	{ErrDuplicate, KindDuplicate},
}

// KindOf classifies err. Unknown errors are Internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindContention
	}
	return KindInternal
}

// IsRetryable reports whether the caller may safely run the operation again.
func IsRetryable(err error) bool {
	return KindOf(err) == KindContention
}
