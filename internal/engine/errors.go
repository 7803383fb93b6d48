package engine

import "errors"

var (
	// ErrUnauthorized means the caller lacks rights for the requested transition.
	ErrUnauthorized = errors.New("engine: unauthorized")
	// ErrInvalidState means the transition was attempted from a non-matching
	// lifecycle state. Losing a double-execute race surfaces as this error.
	ErrInvalidState = errors.New("engine: invalid state")

	ErrInvalidFeeBps     = errors.New("engine: invalid fee bps")
	ErrInvalidAmount     = errors.New("engine: invalid amount")
	ErrAlreadyOpen       = errors.New("engine: position already open")
	ErrInvalidAccount    = errors.New("engine: account mismatch")
	ErrInsufficientFunds = errors.New("engine: insufficient funds")
	ErrInvalidOracle     = errors.New("engine: oracle account rejected")

	ErrUnknownInstruction = errors.New("engine: unknown instruction")
)
