package rebase

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"rebasechain/native/access"
)

var (
	// ErrUnauthorized aliases the access policy error so callers can match it
	// from this package.
	ErrUnauthorized          = access.ErrUnauthorized
	ErrRateIncreaseRejected  = errors.New("rebase: interest rate can only decrease")
	ErrInsufficientBalance   = errors.New("rebase: insufficient balance")
	ErrInsufficientAllowance = errors.New("rebase: insufficient allowance")
	ErrOverflow              = errors.New("rebase: arithmetic overflow")
	ErrInvalidAddress        = errors.New("rebase: invalid address")
	ErrAlreadyInitialized    = errors.New("rebase: global state already initialised")

	errNilState = errors.New("rebase ledger: state not configured")
)

// RateIncreaseError carries the rejected transition for diagnostics. It
// matches ErrRateIncreaseRejected with errors.Is.
type RateIncreaseError struct {
	Old *uint256.Int
	New *uint256.Int
}

func (e *RateIncreaseError) Error() string {
	return fmt.Sprintf("%s: current %s, requested %s", ErrRateIncreaseRejected, e.Old.Dec(), e.New.Dec())
}

func (e *RateIncreaseError) Is(target error) bool {
	return target == ErrRateIncreaseRejected
}

func insufficientBalance(have, want *uint256.Int) error {
	return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have.Dec(), want.Dec())
}
