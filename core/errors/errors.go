package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds shared by every protocol module. Module errors wrap one of these
// so callers can classify failures with errors.Is.
var (
	ErrUnauthorized          = stderrors.New("unauthorized")
	ErrInvalidState          = stderrors.New("invalid state")
	ErrInsufficientFunds     = stderrors.New("insufficient funds")
	ErrInsufficientLiquidity = stderrors.New("insufficient liquidity")
	ErrInvalidBorrower       = stderrors.New("invalid borrower")
	ErrStakeLocked           = stderrors.New("stake locked")
	ErrInvalidAmount         = stderrors.New("invalid amount")
	ErrNotFound              = stderrors.New("not found")
	ErrModulePaused          = stderrors.New("module paused")

	// ErrLoanNotSettled is the InvalidState raised when reclaiming a loan that
	// has not been closed.
	ErrLoanNotSettled = fmt.Errorf("loan not settled: %w", ErrInvalidState)
)

// Kind returns the root error kind for err, or nil when err does not wrap one
// of the protocol kinds.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrLoanNotSettled,
		ErrUnauthorized,
		ErrInvalidBorrower,
		ErrStakeLocked,
		ErrInsufficientLiquidity,
		ErrInsufficientFunds,
		ErrInvalidAmount,
		ErrNotFound,
		ErrModulePaused,
		ErrInvalidState,
	} {
		if stderrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
