// Package jobs tracks long-running operations so they can be cancelled by id.
package jobs

import (
	"context"
	"sync"
	"time"
)

// Job is a live entry in the registry. The cancel function stops the
// underlying task; the registry never waits for the task to finish.
type Job struct {
	ID        string
	Kind      string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// Registry is a concurrency-safe map from job id to a cancellable handle.
// It is constructed once and threaded through the server; there is no
// package-level instance.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Register inserts or overwrites the entry for id. Registering an id that is
// already live replaces the previous handle without cancelling it; callers are
// responsible for not reusing in-flight ids.
func (r *Registry) Register(id, kind string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &Job{
		ID:        id,
		Kind:      kind,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
}

// Abort removes the entry and signals cancellation on its handle. Returns
// whether an entry was found. A second Abort on the same id returns false,
// even when racing a completion notification.
func (r *Registry) Abort(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	// Fire and forget: real termination is observed by whoever owns the
	// task's result channel.
	job.cancel()
	return true
}

// Unregister removes the entry without cancelling. Used when a task completes
// normally. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Size returns the number of live entries.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// List returns a snapshot of the live jobs.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}
