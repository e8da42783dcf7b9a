//go:build !llama

package llamacpp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
)

// Built reports whether this binary has in-process llama support.
const Built = false

// Backend refuses to load models in builds without the llama tag.
type Backend struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Backend {
	return &Backend{log: log.With().Str("component", "backend_llamacpp").Logger()}
}

func (b *Backend) SupportsTools() bool { return true }

func (b *Backend) LoadModels(_ context.Context, models map[string]config.ModelConfig) error {
	if len(models) == 0 {
		return nil
	}
	return backend.ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (b *Backend) OffloadModels(context.Context, []string) error { return nil }

func (b *Backend) Inference(_ context.Context, name string, _ backend.Sampling, _ backend.Input) (backend.Stream, error) {
	return nil, fmt.Errorf("%w: %s", backend.ErrModelNotLoaded, name)
}
