// Package cancel provides a process-local registry of cooperative
// cancellation signals keyed by job ID. Long-running agent loops poll
// Check at safe points (before an LLM call, before each tool, between
// iterations); a pending signal surfaces as ErrCancelled exactly once.
package cancel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCancelled is returned by Check when the job's cancel signal was
// set. Callers unwind to the orchestrator, which converts it into a
// user-visible cancellation marker.
var ErrCancelled = errors.New("operation cancelled")

// CancelledError carries the job ID with the cancellation.
type CancelledError struct {
	JobID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("job %s was cancelled", e.JobID)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

type entry struct {
	requested bool
}

// Registry is a guarded map of job ID → cancel signal.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*entry)}
}

// Create registers a job. Idempotent: re-creating an existing job
// keeps its current signal state.
func (r *Registry) Create(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		r.jobs[jobID] = &entry{}
	}
}

// RequestCancel sets the cancel signal for a job. Returns true when
// the job was registered (a signal existed to set).
func (r *Registry) RequestCancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[jobID]
	if !ok {
		return false
	}
	e.requested = true
	return true
}

// Check returns a *CancelledError if the job's signal is set, and
// clears the entry so a second Check does not fire again. Unknown jobs
// are a no-op.
func (r *Registry) Check(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[jobID]
	if !ok || !e.requested {
		return nil
	}
	delete(r.jobs, jobID)
	return &CancelledError{JobID: jobID}
}

// Clear removes a job's entry regardless of signal state.
func (r *Registry) Clear(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// Active returns how many jobs are currently registered.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
