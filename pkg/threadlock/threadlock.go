// Package threadlock serializes turns per thread: at most one turn may run
// against a given thread_id at a time, and a second concurrent request for
// the same thread fails fast with thread-busy rather than queuing.
package threadlock

import "sync"

// entry is a per-thread mutex plus a reference count, so the registry can
// drop a thread's entry once no turn holds or waits on it.
type entry struct {
	mu       sync.Mutex
	refCount int
}

// Registry is the process-wide map of thread_id to its serializing lock.
type Registry struct {
	mu      sync.Mutex
	threads map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{threads: make(map[string]*entry)}
}

// TryAcquire attempts to take the lock for threadID without blocking. ok is
// false if another turn currently holds it; the caller should fail the
// request with thread-busy in that case. On success, the caller must call
// the returned release func exactly once when the turn finishes.
func (r *Registry) TryAcquire(threadID string) (release func(), ok bool) {
	r.mu.Lock()
	e, exists := r.threads[threadID]
	if !exists {
		e = &entry{}
		r.threads[threadID] = e
	}
	e.refCount++
	r.mu.Unlock()

	if !e.mu.TryLock() {
		r.release(threadID, e)
		return nil, false
	}

	return func() { r.unlock(threadID, e) }, true
}

func (r *Registry) unlock(threadID string, e *entry) {
	e.mu.Unlock()
	r.release(threadID, e)
}

// release drops one reference to threadID's entry, removing it from the map
// once nothing holds or is about to hold it.
func (r *Registry) release(threadID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refCount--
	if e.refCount <= 0 {
		delete(r.threads, threadID)
	}
}

// Len reports the number of threads currently tracked (held or pending
// removal); used by tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}
