package correlation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry maps correlation ids to live aggregation state. It is shared
// process-wide. Remove is the serialization point for termination: among
// the callback, deadline, and disconnect paths, only the caller whose
// Remove returns non-nil may emit the summary and close the channel.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// Create allocates a fresh correlation id and inserts new state for it.
func (r *Registry) Create() (string, *State) {
	id := uuid.New().String()
	st := newState(id)
	r.mu.Lock()
	r.states[id] = st
	r.mu.Unlock()
	return id, st
}

// Get returns the state for id, or nil when absent.
func (r *Registry) Get(id string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[id]
}

// Remove atomically removes and returns the state for id. Returns nil
// when another path already removed it.
func (r *Registry) Remove(id string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return nil
	}
	delete(r.states, id)
	return st
}

// Len returns the number of live correlations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Drain removes every live correlation, cancels its pending work, and
// closes its event channel. Used on shutdown; in-flight requests are
// aborted, subscribers observe a truncated stream.
func (r *Registry) Drain() int {
	r.mu.Lock()
	states := r.states
	r.states = make(map[string]*State)
	r.mu.Unlock()

	for id, st := range states {
		st.CancelAll()
		st.closeEvents()
		slog.Debug("Drained correlation on shutdown", "correlation_id", id)
	}
	return len(states)
}
