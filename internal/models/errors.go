package models

import (
	"errors"
	"fmt"
)

// Failure classes shared across the engine. Callers match with errors.Is.
var (
	// ErrConnectivity is returned when a venue session cannot be established.
	ErrConnectivity = errors.New("venue connectivity")
	// ErrSelection is returned when no valid spread could be selected.
	ErrSelection = errors.New("strike selection failed")
	// ErrExecution is the parent of every executor failure.
	ErrExecution = errors.New("execution failed")
	// ErrInvalidQuote means no usable bid/ask and the market fallback failed.
	ErrInvalidQuote = fmt.Errorf("%w: invalid quote", ErrExecution)
	// ErrNotFilled means the walk reached the far touch and the market fallback failed.
	ErrNotFilled = fmt.Errorf("%w: not filled", ErrExecution)
	// ErrCancelUnconfirmed means a cancel was never confirmed and the order
	// may still be working at the venue.
	ErrCancelUnconfirmed = fmt.Errorf("%w: cancel not confirmed", ErrExecution)
	// ErrInconsistentExit means both exit orders ended without a fill.
	ErrInconsistentExit = errors.New("both exit orders ended without a fill")
)
