//go:build llama

package llamacpp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/pkg/types"
)

// Built reports whether this binary has in-process llama support.
const Built = true

type model struct {
	// go-llama.cpp models are not safe for concurrent prediction
	mu      sync.Mutex
	llm     *llama.LLama
	threads int
}

// Backend owns loaded llama models.
type Backend struct {
	log zerolog.Logger

	mu     sync.RWMutex
	models map[string]*model
}

func New(log zerolog.Logger) *Backend {
	return &Backend{log: log.With().Str("component", "backend_llamacpp").Logger(), models: make(map[string]*model)}
}

func (b *Backend) SupportsTools() bool { return true }

func (b *Backend) LoadModels(_ context.Context, models map[string]config.ModelConfig) error {
	for name, cfg := range models {
		b.mu.RLock()
		_, loaded := b.models[name]
		b.mu.RUnlock()
		if loaded {
			continue
		}
		if strings.TrimSpace(cfg.Path) == "" {
			return backend.InvalidConfigurationError{Model: name, Reason: "missing _path"}
		}
		if !fsutil.PathExists(cfg.Path) {
			return backend.InvalidConfigurationError{Model: name, Reason: "model file not found: " + cfg.Path}
		}
		opts := []llama.ModelOption{llama.SetContext(zn(cfg.Ctx, 2048))}
		if cfg.GPULayers > 0 {
			opts = append(opts, llama.SetGPULayers(cfg.GPULayers))
		}
		llm, err := llama.New(cfg.Path, opts...)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		b.mu.Lock()
		b.models[name] = &model{llm: llm, threads: cfg.Threads}
		b.mu.Unlock()
		b.log.Info().Str("model", name).Str("path", cfg.Path).Msg("model loaded")
	}
	return nil
}

func (b *Backend) OffloadModels(_ context.Context, names []string) error {
	for _, name := range names {
		b.mu.Lock()
		m, ok := b.models[name]
		delete(b.models, name)
		b.mu.Unlock()
		if !ok {
			continue
		}
		m.mu.Lock()
		m.llm.Free()
		m.mu.Unlock()
		b.log.Info().Str("model", name).Msg("model offloaded")
	}
	return nil
}

func (b *Backend) Inference(ctx context.Context, name string, cfg backend.Sampling, in backend.Input) (backend.Stream, error) {
	b.mu.RLock()
	m, ok := b.models[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrModelNotLoaded, name)
	}
	var conv types.Conversation
	if in.Conversation != nil {
		conv = *in.Conversation
	}
	prompt := chatPrompt(conv, cfg.Tools)
	pp := predictFrom(cfg, m.threads, llama.DefaultOptions.TopP, llama.DefaultOptions.TopK, llama.DefaultOptions.Temperature, llama.DefaultOptions.Penalty)
	po := []llama.PredictOption{
		llama.SetTokens(pp.tokens),
		llama.SetThreads(pp.threads),
		llama.SetTopP(pp.topP),
		llama.SetTopK(pp.topK),
		llama.SetTemperature(pp.temperature),
		llama.SetPenalty(pp.penalty),
		llama.SetStopWords(pp.stop...),
	}
	if pp.seed >= 0 {
		po = append(po, llama.SetSeed(pp.seed))
	}

	return backend.Pipe(ctx, func(ctx context.Context, emit func(types.Event) error) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.llm.SetTokenCallback(func(tok string) bool {
			if ctx.Err() != nil {
				return false
			}
			return emit(types.Event{Text: tok}) == nil
		})
		defer m.llm.SetTokenCallback(nil)
		if _, err := m.llm.Predict(prompt, po...); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		return nil
	}), nil
}
