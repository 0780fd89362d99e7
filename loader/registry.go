package loader

import "sync"

// failureRegistry is the blocklist of cache keys whose downloads failed with
// a permanent error. Requests for blocklisted keys are refused unless they
// set [imgload.RetryFailed].
type failureRegistry struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newFailureRegistry() *failureRegistry {
	return &failureRegistry{
		keys: make(map[string]struct{}),
	}
}

func (r *failureRegistry) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys[key] = struct{}{}
}

func (r *failureRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.keys, key)
}

func (r *failureRegistry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.keys[key]
	return ok
}

func (r *failureRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.keys)
}

// inflightRegistry tracks all non-terminal request handles. Its mutex is
// independent of the failure registry's one, and no callback is ever invoked
// while it is held.
type inflightRegistry struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{
		handles: make(map[*Handle]struct{}),
	}
}

func (r *inflightRegistry) Add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles[h] = struct{}{}
}

// Remove is idempotent: completion and cancellation may both deregister the
// same handle.
func (r *inflightRegistry) Remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handles, h)
}

func (r *inflightRegistry) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

func (r *inflightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handles)
}
