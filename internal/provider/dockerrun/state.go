package dockerrun

import (
	"context"
	"sync"

	"docpipe/internal/analysis"
	"docpipe/internal/apperrors"
)

// jobEntry holds the runtime state for one analyzer container.
type jobEntry struct {
	containerID    string
	notifyURL      string
	tag            string
	token          string
	outputLocation string
	cancelWatch    context.CancelFunc

	// result is set once by the watcher when the container exits.
	result *analysis.Notification
}

// jobRepo tracks analyzer jobs with thread-safe access. A job ID is
// reserved with a nil entry while its container is being created, then
// committed once the container is running. Client tokens index into job
// IDs so a repeated start with the same token returns the original job.
type jobRepo struct {
	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	tokens map[string]string
}

func newJobRepo() *jobRepo {
	return &jobRepo{
		jobs:   make(map[string]*jobEntry),
		tokens: make(map[string]string),
	}
}

// reserve claims a job ID slot and, when token is non-empty, binds the
// token to it. If the token is already bound, the existing job ID is
// returned instead and nothing is reserved.
func (r *jobRepo) reserve(jobID, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token != "" {
		if existing, ok := r.tokens[token]; ok {
			return existing, nil
		}
	}
	if _, exists := r.jobs[jobID]; exists {
		return "", apperrors.Conflict("analysis", jobID, "job already exists")
	}
	r.jobs[jobID] = nil
	if token != "" {
		r.tokens[token] = jobID
	}
	return "", nil
}

// commit fills in a reserved slot with the actual job state.
func (r *jobRepo) commit(jobID string, e *jobEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = e
}

// abort discards a reservation whose container never started.
func (r *jobRepo) abort(jobID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
	if token != "" {
		delete(r.tokens, token)
	}
}

// release removes a job and its token binding. The returned entry is nil
// for jobs that were reserved but never committed.
func (r *jobRepo) release(jobID string) (*jobEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.jobs[jobID]
	if !exists {
		return nil, false
	}
	delete(r.jobs, jobID)
	if e != nil && e.token != "" {
		delete(r.tokens, e.token)
	}
	return e, true
}

// get returns a copy of a job's state. committed is false while the job
// is reserved but its container is still being created.
func (r *jobRepo) get(jobID string) (entry jobEntry, committed, exists bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return jobEntry{}, false, false
	}
	if e == nil {
		return jobEntry{}, false, true
	}
	return *e, true, true
}

// setResult records the completion snapshot for a job. Unknown or
// reserved-only jobs are ignored.
func (r *jobRepo) setResult(jobID string, n analysis.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[jobID]; ok && e != nil {
		e.result = &n
	}
}

// list returns copies of all committed job entries keyed by job ID.
func (r *jobRepo) list() map[string]jobEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]jobEntry, len(r.jobs))
	for id, e := range r.jobs {
		if e == nil {
			continue
		}
		out[id] = *e
	}
	return out
}
