package storage

import "errors"

// ErrUnknownStrategy is returned when a strategy has no journal table.
var ErrUnknownStrategy = errors.New("no journal table for strategy")

// ErrClosed is returned by a journal after Close.
var ErrClosed = errors.New("journal closed")
