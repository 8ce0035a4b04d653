package registry

import (
	"errors"
	"sync"
)

// ErrJobExists is returned when registering an id that is already live.
var ErrJobExists = errors.New("job already registered")

// Registry maps job ids to live jobs. The map lock only guards membership; job state
// has its own lock so jobs never contend with each other.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Register adds job under its id.
func (r *Registry) Register(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return ErrJobExists
	}

	r.jobs[job.ID] = job

	return nil
}

func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]

	return job, ok
}

// Remove deletes the entry and releases the job context. It reports whether this
// call performed the removal, so callers can tell the first terminal transition
// from a repeated one.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()

	if ok {
		job.cancel()
	}

	return ok
}

// MarkCancelled sets the cancelled flag of a live job. Unknown ids are ignored.
func (r *Registry) MarkCancelled(id string) bool {
	job, ok := r.Get(id)
	if !ok {
		return false
	}

	job.markCancelled()

	return true
}

// Active reports whether id is registered and has not been cancelled.
func (r *Registry) Active(id string) bool {
	job, ok := r.Get(id)

	return ok && !job.Cancelled()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.jobs)
}

// OwnsPath reports whether any live job claims path as its local file or its
// extraction scratch directory.
func (r *Registry) OwnsPath(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, job := range r.jobs {
		if job.LocalPath() == path || job.ScratchDir() == path {
			return true
		}
	}

	return false
}
