package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/filter"
	"inferd/internal/metering"
	"inferd/internal/queue"
)

type Manager struct {
	log zerolog.Logger

	services map[string]config.ServiceConfig
	models   map[string]config.ModelConfig

	backends  *backend.Registry
	queues    *queue.Registry
	keys      KeyLedger
	pricer    *metering.Pricer
	retriever Retriever
	filters   *filter.Pipeline
	events    EventPublisher
	saveTO    time.Duration

	mu      sync.RWMutex
	loaded  map[string]bool
	loadErr map[string]string

	startTime time.Time
}

// modelEntry is everything a turn needs to know about its model.
type modelEntry struct {
	name    string
	cfg     config.ModelConfig
	svc     config.ServiceConfig
	backend backend.Backend
}

// SetEventPublisher replaces the lifecycle event sink. nil restores the
// no-op publisher.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.events = p
}

// Queues returns the admission queue registry shared with the filters.
func (m *Manager) Queues() *queue.Registry { return m.queues }

// Ready reports whether the manager can serve requests: at least one model
// is loaded, or none are configured.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loaded) > 0 || len(m.models) == 0
}

// Loaded reports whether the named model is loaded.
func (m *Manager) Loaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded[name]
}

func (m *Manager) loadedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.loaded))
	for n := range m.loaded {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// resolve looks up a loaded model and its owning backend.
func (m *Manager) resolve(name string) (modelEntry, error) {
	mc, ok := m.models[name]
	if !ok || name == "" {
		return modelEntry{}, ErrModelNotFound(name)
	}
	m.mu.RLock()
	loaded, why := m.loaded[name], m.loadErr[name]
	m.mu.RUnlock()
	if !loaded {
		if why == "" {
			why = "not loaded"
		}
		return modelEntry{}, modelUnavailableError{id: name, reason: why}
	}
	b, ok := m.backends.Get(mc.Service)
	if !ok {
		return modelEntry{}, modelUnavailableError{id: name, reason: "no backend for service " + mc.Service}
	}
	return modelEntry{name: name, cfg: mc, svc: m.services[mc.Service], backend: b}, nil
}

// Classifier serves the filter pipeline with the backend of a loaded
// classifier model.
func (m *Manager) Classifier(model string) (backend.Inferencer, config.ModelConfig, error) {
	e, err := m.resolve(model)
	if err != nil {
		return nil, config.ModelConfig{}, err
	}
	return e.backend, e.cfg, nil
}
