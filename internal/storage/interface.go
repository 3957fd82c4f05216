package storage

import (
	"context"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// Recorder appends concluded positions to the trade journal.
//
// Implementations must be safe for concurrent use: several strategy workers
// may record into the same journal file at once.
type Recorder interface {
	Record(ctx context.Context, rec models.TradeRecord) error
}

// Reader reads the journal back, one logical table per strategy label.
type Reader interface {
	Strategies(ctx context.Context) ([]string, error)
	Records(ctx context.Context, strategy string) ([]models.TradeRecord, error)
}

// Interface is a journal that can be both written and read.
type Interface interface {
	Recorder
	Reader
	Close() error
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*Journal)(nil)
	_ Interface = (*MemoryRecorder)(nil)
	_ Interface = (*Directory)(nil)
)
