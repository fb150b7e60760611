// Package registry tracks in-flight executions so they can be listed and
// cancelled by request id from outside the goroutine running them.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an execution.
type State string

const (
	StateQueued    State = "queued"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateCleanedUp State = "cleaned_up"
)

// Terminal reports whether no further work happens in this state apart from cleanup.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled, StateCleanedUp:
		return true
	}
	return false
}

// Execution is one in-flight job.
type Execution struct {
	ID        string
	Provider  string
	Model     string
	StartedAt time.Time

	cancel context.CancelFunc
	state  atomic.Value // State
}

// NewExecution returns an execution in the queued state. cancel aborts the
// job's context; it may be nil.
func NewExecution(id, provider, model string, cancel context.CancelFunc) *Execution {
	e := &Execution{
		ID:        id,
		Provider:  provider,
		Model:     model,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	e.state.Store(StateQueued)
	return e
}

// Cancel requests cancellation. Safe to call repeatedly and concurrently
// with the job finishing.
func (e *Execution) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// State returns the current lifecycle state.
func (e *Execution) State() State {
	s, _ := e.state.Load().(State)
	return s
}

// SetState records a lifecycle transition.
func (e *Execution) SetState(s State) { e.state.Store(s) }

// Info is a point-in-time, serialisable view of an execution.
type Info struct {
	RequestID string    `json:"requestId"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	ElapsedMs int64     `json:"elapsedMs"`
}

// Info snapshots the execution.
func (e *Execution) Info() Info {
	return Info{
		RequestID: e.ID,
		Provider:  e.Provider,
		Model:     e.Model,
		State:     e.State(),
		StartedAt: e.StartedAt,
		ElapsedMs: time.Since(e.StartedAt).Milliseconds(),
	}
}

// Registry holds in-flight executions indexed by request id.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{executions: make(map[string]*Execution)}
}

// Register adds e, replacing any entry with the same id.
func (r *Registry) Register(e *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[e.ID] = e
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executions, id)
}

// Cancel fires the cancellation handle of id. It reports false when id is
// not registered.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	e, ok := r.executions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.Cancel()
	return true
}

// Get retrieves an execution by id.
func (r *Registry) Get(id string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	return e, ok
}

// All returns a snapshot of registered executions, oldest first.
func (r *Registry) All() []*Execution {
	r.mu.RLock()
	out := make([]*Execution, 0, len(r.executions))
	for _, e := range r.executions {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ActiveCount returns the number of registered executions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}
