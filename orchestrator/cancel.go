package orchestrator

import (
	"context"
	"sync"
)

// cancelRegistry maps in-flight generation ids to their cancel functions so
// AbortStream can reach into a running generation from outside the request.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) register(generationID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[generationID] = cancel
}

func (r *cancelRegistry) release(generationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, generationID)
}

// abort cancels the generation if it is still in flight and reports whether
// it was found.
func (r *cancelRegistry) abort(generationID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[generationID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
