// Package worker is a backend for model workers running out of process
// (classifiers, speech, audio generation). Workers expose a small HTTP API and
// stream newline-delimited JSON events.
//
//	POST /load     {"model": "...", "options": {...}}
//	POST /offload  {"model": "..."}
//	POST /infer    {"model": "...", "config": {...}, "conversation": [...], "user_parameters": {...}}
//
// Each /infer response line is an event object; lines may carry an SSE
// "data:" prefix.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/pkg/types"
)

type model struct {
	baseURL string
	apiKey  string
	remote  string
}

// Backend talks to one worker per model.
type Backend struct {
	log        zerolog.Logger
	httpClient *http.Client
	reqTimeout time.Duration

	mu     sync.RWMutex
	models map[string]*model
}

// New builds a backend. reqTimeout bounds load and offload calls; inference
// is bounded by the caller's context only.
func New(log zerolog.Logger, connectTimeout, reqTimeout time.Duration) *Backend {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Backend{
		log:        log.With().Str("component", "backend_worker").Logger(),
		httpClient: &http.Client{Transport: tr},
		reqTimeout: reqTimeout,
		models:     make(map[string]*model),
	}
}

func (b *Backend) LoadModels(ctx context.Context, models map[string]config.ModelConfig) error {
	for name, cfg := range models {
		b.mu.RLock()
		_, loaded := b.models[name]
		b.mu.RUnlock()
		if loaded {
			continue
		}
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return backend.InvalidConfigurationError{Model: name, Reason: "missing _endpoint"}
		}
		m := &model{baseURL: strings.TrimRight(cfg.Endpoint, "/"), apiKey: cfg.APIKey, remote: cfg.RemoteModel}
		if m.remote == "" {
			m.remote = name
		}
		if err := b.call(ctx, m, "/load", map[string]any{"model": m.remote, "options": cfg.Options}); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		b.mu.Lock()
		b.models[name] = m
		b.mu.Unlock()
		b.log.Info().Str("model", name).Str("endpoint", m.baseURL).Msg("model loaded")
	}
	return nil
}

func (b *Backend) OffloadModels(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		b.mu.Lock()
		m, ok := b.models[name]
		delete(b.models, name)
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := b.call(ctx, m, "/offload", map[string]any{"model": m.remote}); err != nil {
			errs = append(errs, fmt.Errorf("offload %s: %w", name, err))
			continue
		}
		b.log.Info().Str("model", name).Msg("model offloaded")
	}
	return errors.Join(errs...)
}

func (b *Backend) call(ctx context.Context, m *model, path string, body any) error {
	if b.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.reqTimeout)
		defer cancel()
	}
	resp, err := b.post(ctx, m, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func (b *Backend) post(ctx context.Context, m *model, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("worker http error: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

type inferRequest struct {
	Model          string             `json:"model"`
	Config         map[string]any     `json:"config"`
	Conversation   types.Conversation `json:"conversation"`
	UserParameters map[string]any     `json:"user_parameters,omitempty"`
}

func (b *Backend) Inference(ctx context.Context, name string, cfg backend.Sampling, in backend.Input) (backend.Stream, error) {
	b.mu.RLock()
	m, ok := b.models[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrModelNotLoaded, name)
	}
	req := inferRequest{Model: m.remote, Config: samplingMap(cfg), UserParameters: in.UserParameters}
	if in.Conversation != nil {
		req.Conversation = *in.Conversation
	}
	resp, err := b.post(ctx, m, "/infer", req)
	if err != nil {
		return nil, err
	}
	return &ndjsonStream{body: resp.Body, r: bufio.NewReader(resp.Body), log: b.log}, nil
}

func samplingMap(cfg backend.Sampling) map[string]any {
	out := make(map[string]any, len(cfg.Extra)+4)
	for k, v := range cfg.Extra {
		out[k] = v
	}
	out["temperature"] = cfg.Temperature
	out["top_p"] = cfg.TopP
	out["top_k"] = cfg.TopK
	out["seed"] = cfg.Seed
	if cfg.MaxLength > 0 {
		out["max_length"] = cfg.MaxLength
	}
	return out
}

type ndjsonStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	log  zerolog.Logger
	err  error
}

func (s *ndjsonStream) Recv() (types.Event, error) {
	for s.err == nil {
		line, err := s.r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(strings.ToLower(line), "data:") {
				line = strings.TrimSpace(line[len("data:"):])
			}
			switch line {
			case "":
			case "[DONE]":
				s.err = io.EOF
				continue
			default:
				var ev types.Event
				if jerr := json.Unmarshal([]byte(line), &ev); jerr != nil {
					s.log.Warn().Str("line", line).Msg("unknown stream line")
				} else {
					if err != nil {
						s.err = eofOr(err)
					}
					return ev, nil
				}
			}
		}
		if err != nil {
			s.err = eofOr(err)
		}
	}
	return types.Event{}, s.err
}

func eofOr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}

func (s *ndjsonStream) Close() error { return s.body.Close() }
