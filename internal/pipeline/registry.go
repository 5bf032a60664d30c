package pipeline

import (
	"context"
	"sync"
)

// Registry tracks cancellation handles for active jobs. It is the only
// cross-job shared mutable state and is safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]context.CancelFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]context.CancelFunc)}
}

func (r *Registry) register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = cancel
}

func (r *Registry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Cancel signals the job's cancellation token. Returns false when the job
// is unknown or already terminal.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.jobs[id]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active returns the ids of jobs that have not reached a terminal state.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	return ids
}
