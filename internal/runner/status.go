package runner

import (
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/metrics"
)

// Worker phases reported before a position exists. Once a position is
// created the worker reports the position state instead.
const (
	PhasePending    = "pending"
	PhaseConnecting = "connecting"
	PhaseWaiting    = "waiting_window"
	PhaseSelecting  = "selecting"
	PhaseDone       = "done"
	PhaseFailed     = "failed"
)

// WorkerStatus is a point-in-time view of one strategy worker.
type WorkerStatus struct {
	UpdatedAt  time.Time `json:"updated_at"`
	Strategy   string    `json:"strategy"`
	Symbol     string    `json:"symbol"`
	State      string    `json:"state"`
	PositionID string    `json:"position_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	ClientID   int       `json:"client_id"`
}

// Registry tracks the latest status of every worker. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerStatus
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*WorkerStatus), now: time.Now}
}

// Register adds a worker in the pending phase.
func (r *Registry) Register(strategy, symbol string, clientID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[strategy] = &WorkerStatus{
		Strategy:  strategy,
		Symbol:    symbol,
		ClientID:  clientID,
		State:     PhasePending,
		UpdatedAt: r.now(),
	}
	metrics.WorkerState(strategy, "", PhasePending)
}

// update applies fn to the worker's status under the lock.
func (r *Registry) update(strategy string, fn func(*WorkerStatus)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[strategy]
	if !ok {
		w = &WorkerStatus{Strategy: strategy}
		r.workers[strategy] = w
	}
	prev := w.State
	fn(w)
	w.UpdatedAt = r.now()
	metrics.WorkerState(strategy, prev, w.State)
}

// SetState records a new phase or position state.
func (r *Registry) SetState(strategy, state string) {
	r.update(strategy, func(w *WorkerStatus) { w.State = state })
}

// SetPosition attaches the position id once it is created.
func (r *Registry) SetPosition(strategy, id string) {
	r.update(strategy, func(w *WorkerStatus) { w.PositionID = id })
}

// Finish marks the worker done with the recorded outcome, or failed.
func (r *Registry) Finish(strategy, outcome string, err error) {
	r.update(strategy, func(w *WorkerStatus) {
		w.Outcome = outcome
		if err != nil {
			w.State = PhaseFailed
			w.Error = err.Error()
			return
		}
		w.State = PhaseDone
	})
}

// Snapshot returns a copy of every status, sorted by strategy.
func (r *Registry) Snapshot() []WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

// Get returns the status of one worker.
func (r *Registry) Get(strategy string) (WorkerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[strategy]
	if !ok {
		return WorkerStatus{}, false
	}
	return *w, true
}
