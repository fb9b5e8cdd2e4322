// Package errs defines the error taxonomy shared by the ledger and settlement core.
package errs

import (
	"errors"
	"fmt"
)

// Standard error functions re-exported for callers.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Validation errors: rejected before any mutation, never retried.
var (
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
	ErrBetLimit        = errors.New("bet amount outside game limits")
	ErrInvalidBetData  = errors.New("bet data does not match game type")
	ErrInvalidGameType = errors.New("unknown game type")
	ErrGameDuration    = errors.New("game duration outside allowed range")
	ErrFeeLimit        = errors.New("fee percentage outside allowed range")
)

// State errors: the current record state forbids the operation. The caller may
// re-check and retry with different input.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrGameClosed        = errors.New("game is closed for betting")
	ErrInvalidGameState  = errors.New("invalid state for operation")
	ErrNotFound          = errors.New("record not found")
)

// ChainError marks a transient failure of the external chain capability.
// Orchestrators retry it with backoff; funds stay reserved until resolution.
type ChainError struct {
	Network string
	Op      string
	Err     error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s on %s: %v", e.Op, e.Network, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// NewChainError wraps err as a retryable chain failure.
func NewChainError(network, op string, err error) *ChainError {
	return &ChainError{Network: network, Op: op, Err: err}
}

// IsRetryable reports whether err should be retried by a scheduler rather than
// surfaced to the caller as final.
func IsRetryable(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}
