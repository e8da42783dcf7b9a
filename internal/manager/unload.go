package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// OffloadModels releases the named models in their backends. Unknown or
// unloaded names are ignored.
func (m *Manager) OffloadModels(ctx context.Context, names []string) error {
	byService := map[string][]string{}
	for _, n := range names {
		if !m.Loaded(n) {
			continue
		}
		svc := m.models[n].Service
		byService[svc] = append(byService[svc], n)
	}
	services := make([]string, 0, len(byService))
	for s := range byService {
		services = append(services, s)
	}
	sort.Strings(services)

	var errs []error
	for _, svc := range services {
		group := byService[svc]
		b, ok := m.backends.Get(svc)
		if ok {
			if err := b.OffloadModels(ctx, group); err != nil {
				errs = append(errs, fmt.Errorf("offload %s: %w", svc, err))
			}
		}
		m.mu.Lock()
		for _, n := range group {
			delete(m.loaded, n)
		}
		m.mu.Unlock()
		for _, n := range group {
			m.publish(EventOffloadDone, n, map[string]any{"service": svc})
			m.log.Info().Str("model", n).Msg("model offloaded")
		}
	}
	return errors.Join(errs...)
}

// OffloadAll releases every loaded model. Used on shutdown.
func (m *Manager) OffloadAll(ctx context.Context) error {
	return m.OffloadModels(ctx, m.loadedNames())
}
