package domain

import "errors"

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrInvalidAmount = wrapKind(ErrInvalidOrder, "invalid amount")
	ErrInvalidPrice  = wrapKind(ErrInvalidOrder, "invalid price")
	ErrInvalidSide   = wrapKind(ErrInvalidOrder, "invalid side")
	ErrUnknownSymbol = wrapKind(ErrInvalidOrder, "unknown symbol")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnsupportedAsset  = errors.New("unsupported asset")

	ErrOrderNotFound   = errors.New("order not found")
	ErrBalanceNotFound = errors.New("balance not found")
	ErrNotOwner        = errors.New("order not owned by user")
	ErrNotCancellable  = errors.New("order not cancellable")

	// ErrInvariantViolation marks an internal consistency failure. It is never
	// expected through the public operations.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConflict is returned by stores on serialization failures or lock
	// timeouts; the attempt may be retried.
	ErrConflict = errors.New("transaction conflict")
	// ErrTransient is returned once conflict retries are exhausted.
	ErrTransient = errors.New("transient failure")
)

type kindError struct {
	parent error
	msg    string
}

func wrapKind(parent error, msg string) error {
	return &kindError{parent: parent, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }
