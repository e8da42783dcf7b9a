// Package openai is a text generation backend for any server speaking the
// OpenAI chat completions API (llama.cpp server, vLLM, hosted providers).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/tools"
	"inferd/pkg/types"
)

type model struct {
	client *goopenai.Client
	remote string
}

// Backend streams chat completions from remote servers, one client per
// model.
type Backend struct {
	log        zerolog.Logger
	httpClient *http.Client

	mu     sync.RWMutex
	models map[string]*model
}

// New returns a backend. A nil httpClient uses http.DefaultClient.
func New(log zerolog.Logger, httpClient *http.Client) *Backend {
	return &Backend{
		log:        log.With().Str("component", "backend_openai").Logger(),
		httpClient: httpClient,
		models:     make(map[string]*model),
	}
}

func (b *Backend) SupportsTools() bool { return true }

func (b *Backend) LoadModels(_ context.Context, models map[string]config.ModelConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, cfg := range models {
		if _, ok := b.models[name]; ok {
			continue
		}
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return backend.InvalidConfigurationError{Model: name, Reason: "missing _endpoint"}
		}
		cc := goopenai.DefaultConfig(cfg.APIKey)
		cc.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
		if !strings.HasSuffix(cc.BaseURL, "/v1") {
			cc.BaseURL += "/v1"
		}
		if b.httpClient != nil {
			cc.HTTPClient = b.httpClient
		}
		remote := cfg.RemoteModel
		if remote == "" {
			remote = name
		}
		b.models[name] = &model{client: goopenai.NewClientWithConfig(cc), remote: remote}
		b.log.Info().Str("model", name).Str("endpoint", cc.BaseURL).Msg("model loaded")
	}
	return nil
}

func (b *Backend) OffloadModels(_ context.Context, names []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		if _, ok := b.models[name]; ok {
			delete(b.models, name)
			b.log.Info().Str("model", name).Msg("model offloaded")
		}
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
	msgs, err := toMessages(conv)
	if err != nil {
		return nil, err
	}
	req := goopenai.ChatCompletionRequest{
		Model:            m.remote,
		Messages:         msgs,
		MaxTokens:        cfg.MaxLength,
		Temperature:      float32(cfg.Temperature),
		TopP:             float32(cfg.TopP),
		PresencePenalty:  float32(cfg.PresencePenalty),
		FrequencyPenalty: float32(cfg.FrequencyPenalty),
		Stream:           true,
	}
	if cfg.Seed >= 0 {
		seed := cfg.Seed
		req.Seed = &seed
	}
	if len(cfg.Tools) > 0 {
		for _, t := range cfg.Tools {
			req.Tools = append(req.Tools, goopenai.Tool{
				Type: goopenai.ToolTypeFunction,
				Function: &goopenai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		if cfg.ToolChoice != "" {
			req.ToolChoice = cfg.ToolChoice
		}
	}
	if stop, ok := cfg.Extra["stop"].([]any); ok {
		for _, s := range stop {
			if str, ok := s.(string); ok {
				req.Stop = append(req.Stop, str)
			}
		}
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	start, end := toolDelimiters(cfg)
	return &chatStream{stream: stream, calls: map[int]*toolCall{}, toolStart: start, toolEnd: end}, nil
}

func toolDelimiters(cfg backend.Sampling) (string, string) {
	start, end := cfg.ToolStart, cfg.ToolEnd
	if start == "" {
		start = tools.DefaultStartToken
	}
	if end == "" {
		end = tools.DefaultEndToken
	}
	return start, end
}

type toolCall struct {
	name string
	args strings.Builder
}

// chatStream converts completion chunks into events. Native tool calls are
// collected and rendered as delimited text after the last chunk so the tool
// loop sees one format regardless of server support.
type chatStream struct {
	stream    *goopenai.ChatCompletionStream
	calls     map[int]*toolCall
	toolStart string
	toolEnd   string
	flushed   bool
}

func (s *chatStream) Recv() (types.Event, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if !s.flushed {
				s.flushed = true
				if txt := s.renderCalls(); txt != "" {
					return types.Event{Text: txt}, nil
				}
			}
			return types.Event{}, io.EOF
		}
		if err != nil {
			return types.Event{}, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			c, ok := s.calls[idx]
			if !ok {
				c = &toolCall{}
				s.calls[idx] = c
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}
		if delta.Content == "" {
			continue
		}
		return types.Event{Text: delta.Content}, nil
	}
}

func (s *chatStream) renderCalls() string {
	if len(s.calls) == 0 {
		return ""
	}
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var b strings.Builder
	for _, i := range idx {
		c := s.calls[i]
		args := json.RawMessage(c.args.String())
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		payload, err := json.Marshal(struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}{c.name, args})
		if err != nil {
			continue
		}
		b.WriteString(s.toolStart)
		b.Write(payload)
		b.WriteString(s.toolEnd)
	}
	return b.String()
}

func (s *chatStream) Close() error {
	s.stream.Close()
	return nil
}

func toMessages(conv types.Conversation) ([]goopenai.ChatCompletionMessage, error) {
	out := make([]goopenai.ChatCompletionMessage, 0, len(conv))
	for _, m := range conv {
		msg := goopenai.ChatCompletionMessage{Role: m.Role}
		multimodal := false
		for _, p := range m.Content {
			if p.Type != types.PartText {
				multimodal = true
				break
			}
		}
		if !multimodal {
			msg.Content = m.TextContent()
			out = append(out, msg)
			continue
		}
		for _, p := range m.Content {
			switch p.Type {
			case types.PartText:
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: p.Data})
			case types.PartImage:
				raw, err := p.Bytes()
				if err != nil {
					return nil, err
				}
				url := "data:" + http.DetectContentType(raw) + ";base64," + p.Data
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: url},
				})
			default:
				return nil, fmt.Errorf("content type %q not supported by chat completions", p.Type)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}
