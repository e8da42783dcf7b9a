package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps service names to backends. It is filled at startup.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Backend)}
}

// Register adds impl under name after checking it provides every capability.
func (r *Registry) Register(name string, impl any) error {
	if name == "" {
		return errors.New("backend: empty service name")
	}
	if _, ok := impl.(Loader); !ok {
		return MissingCapabilityError{Service: name, Capability: "LoadModels"}
	}
	if _, ok := impl.(Offloader); !ok {
		return MissingCapabilityError{Service: name, Capability: "OffloadModels"}
	}
	if _, ok := impl.(Inferencer); !ok {
		return MissingCapabilityError{Service: name, Capability: "Inference"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.services[name]; dup {
		return fmt.Errorf("backend: service %q already registered", name)
	}
	r.services[name] = impl.(Backend)
	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.services[name]
	return b, ok
}

// Names lists registered services in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SupportsTools reports whether b advertises tool support.
func SupportsTools(b Backend) bool {
	tc, ok := b.(ToolCapable)
	return ok && tc.SupportsTools()
}
