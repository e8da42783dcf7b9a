package queue

import (
	"sort"
	"sync"
)

// Registry owns the queues of every model. Queues are created lazily on first
// use of a model name and live for the lifetime of the registry.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Queue)}
}

// Get returns the queue for a model if one exists.
func (r *Registry) Get(model string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[model]
	return q, ok
}

// GetOrCreate returns the queue for a model, creating it with maxConcurrent
// when absent. An existing queue keeps its capacity.
func (r *Registry) GetOrCreate(model string, maxConcurrent int) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[model]; ok {
		return q
	}
	q := New(model, maxConcurrent)
	r.queues[model] = q
	return q
}

// All returns every queue sorted by model name.
func (r *Registry) All() []*Queue {
	r.mu.Lock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
