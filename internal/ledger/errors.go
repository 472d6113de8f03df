package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation marks a malformed order request. Returned before any
	// state is read.
	ErrValidation = errors.New("ledger: invalid order")

	// ErrNotFound marks a market or account balance that does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrState marks a market that exists but cannot be traded.
	ErrState = errors.New("ledger: market not tradable")

	// ErrInsufficientBalance matches every *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInternal marks an unexpected storage failure. Nothing was applied.
	ErrInternal = errors.New("ledger: internal error")
)

// InsufficientBalanceError reports an order whose cost exceeds the cash
// available when the balance row was locked.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: available %s, required %s", e.Available, e.Required)
}

// Is lets errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Error kinds returned by Kind.
const (
	KindValidation   = "validation"
	KindNotFound     = "not_found"
	KindState        = "state"
	KindInsufficient = "insufficient_balance"
	KindInternal     = "internal"
)

// Kind classifies a ledger error into a stable machine-readable string.
// Unrecognised errors are internal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrState):
		return KindState
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficient
	default:
		return KindInternal
	}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
