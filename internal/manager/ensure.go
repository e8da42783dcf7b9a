package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inferd/internal/config"
)

// LoadModels loads every configured model through the backend registered for
// its service. Models are loaded one at a time so a bad configuration only
// takes down that model; a service without a backend takes down its models.
// Already loaded models are skipped. The returned error joins every failure.
func (m *Manager) LoadModels(ctx context.Context) error {
	var errs []error
	for _, name := range sortedModels(m.models) {
		if m.Loaded(name) {
			continue
		}
		if err := m.loadModel(ctx, name, m.models[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) loadModel(ctx context.Context, name string, mc config.ModelConfig) error {
	log := m.log.With().Str("model", name).Str("service", mc.Service).Logger()
	b, ok := m.backends.Get(mc.Service)
	if !ok {
		err := fmt.Errorf("load %s: no backend registered for service %q", name, mc.Service)
		m.markFailed(name, err)
		log.Error().Err(err).Msg("model not loaded")
		return err
	}
	m.publish(EventLoadStart, name, map[string]any{"service": mc.Service})
	start := time.Now()
	if err := b.LoadModels(ctx, map[string]config.ModelConfig{name: mc}); err != nil {
		err = fmt.Errorf("load %s: %w", name, err)
		m.markFailed(name, err)
		m.publish(EventLoadDone, name, map[string]any{"error": err.Error()})
		log.Error().Err(err).Msg("model not loaded")
		return err
	}
	m.queues.GetOrCreate(name, mc.MaxSimulUsers).SetMaxConcurrent(max(1, mc.MaxSimulUsers))
	m.mu.Lock()
	m.loaded[name] = true
	delete(m.loadErr, name)
	m.mu.Unlock()
	m.publish(EventLoadDone, name, map[string]any{"duration_ms": time.Since(start).Milliseconds()})
	log.Info().Dur("took", time.Since(start)).Msg("model loaded")
	return nil
}

func (m *Manager) markFailed(name string, err error) {
	m.mu.Lock()
	m.loadErr[name] = err.Error()
	m.mu.Unlock()
}
