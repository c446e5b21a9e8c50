package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when user doesn't have enough valid credits
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidValidity is returned for a negative validity period
	ErrInvalidValidity = errors.New("invalid validity: days must not be negative")

	// ErrLotNotFound is returned when no lot matches the reference
	ErrLotNotFound = errors.New("credit lot not found")

	// ErrInvariantViolation marks a write that would break a ledger invariant
	ErrInvariantViolation = errors.New("credit ledger invariant violation")

	// ErrStorage wraps any failure of the backing store
	ErrStorage = errors.New("credit storage error")
)
