package wallet

import (
	"errors"

	"github.com/joripage/powerex/pkg/event"
)

var (
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidOrder          = errors.New("invalid order")
	// ErrStaleMatch means a match event does not fit the ledger: an account
	// is missing or its locked pool is smaller than the match consumes.
	ErrStaleMatch          = errors.New("match does not fit ledger state")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidAmount       = errors.New("amount must not be negative")
	ErrAccountExists       = errors.New("account already exists")
)

var failureErrors = map[event.FailureType]error{
	event.FailureWalletNotFound:        ErrWalletNotFound,
	event.FailureInsufficientBalance:   ErrInsufficientBalance,
	event.FailureInsufficientInventory: ErrInsufficientInventory,
	event.FailureInvalidOrder:          ErrInvalidOrder,
}
