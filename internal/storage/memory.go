package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// MemoryRecorder keeps records in memory. Used by tests and dry runs.
type MemoryRecorder struct {
	mu          sync.Mutex
	recordError error
	records     []models.TradeRecord
	recordCalls int
}

// NewMemoryRecorder creates an empty in-memory journal.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends rec unless an error was injected with SetRecordError.
func (m *MemoryRecorder) Record(_ context.Context, rec models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.recordError != nil {
		return m.recordError
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.records = append(m.records, rec)
	return nil
}

// Strategies lists the strategies with at least one record.
func (m *MemoryRecorder) Strategies(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var names []string
	for _, r := range m.records {
		if !seen[r.Strategy] {
			seen[r.Strategy] = true
			names = append(names, r.Strategy)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Records returns the records of one strategy in append order.
func (m *MemoryRecorder) Records(_ context.Context, strategy string) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TradeRecord
	for _, r := range m.records {
		if r.Strategy == strategy {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryRecorder) Close() error { return nil }

// All returns a copy of every record.
func (m *MemoryRecorder) All() []models.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TradeRecord(nil), m.records...)
}

// SetRecordError makes subsequent Record calls fail with err.
func (m *MemoryRecorder) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

// RecordCallCount reports how many times Record was called.
func (m *MemoryRecorder) RecordCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordCalls
}
