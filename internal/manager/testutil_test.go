package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/keys"
	"inferd/internal/metering"
	"inferd/pkg/types"
)

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

// fakeBackend replays one scripted event list per Inference call.
type fakeBackend struct {
	mu        sync.Mutex
	loadErr   error
	loaded    []string
	offloaded []string
	scripts   [][]types.Event
	streamErr error
	calls     []backend.Sampling
	convs     []types.Conversation
}

func (f *fakeBackend) LoadModels(_ context.Context, models map[string]config.ModelConfig) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for n := range models {
		f.loaded = append(f.loaded, n)
	}
	return nil
}

func (f *fakeBackend) OffloadModels(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offloaded = append(f.offloaded, names...)
	return nil
}

func (f *fakeBackend) Inference(_ context.Context, _ string, cfg backend.Sampling, in backend.Input) (backend.Stream, error) {
	f.mu.Lock()
	i := len(f.calls)
	f.calls = append(f.calls, cfg)
	f.convs = append(f.convs, in.Conversation.Clone())
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if i >= len(f.scripts) {
		return backend.SliceStream(), nil
	}
	return backend.SliceStream(f.scripts[i]...), nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// textBackend is a fakeBackend that generates text and supports tools.
type textBackend struct{ *fakeBackend }

func (textBackend) SupportsTools() bool { return true }

type fakeRetriever struct {
	text string
	err  error
	urls []string
}

func (r *fakeRetriever) Scrape(_ context.Context, urls []string) (string, error) {
	r.urls = append(r.urls, urls...)
	return r.text, r.err
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []keys.APIKey
}

func (s *recordingSaver) Debit(k *keys.APIKey, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, err := metering.Debit(k.Tokens, amount)
	if err != nil {
		return bal, err
	}
	k.Tokens = bal
	return bal, nil
}

func (s *recordingSaver) Save(_ context.Context, k *keys.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *k)
	return nil
}

// charTokens counts one token per byte.
var charTokens = metering.TokenizerFunc(func(s string) int { return len(s) })

type harness struct {
	m     *Manager
	chat  *fakeBackend
	pub   *MemoryPublisher
	saver *recordingSaver
	ret   *fakeRetriever
}

type harnessOpt func(*ManagerConfig)

func withFilters(f config.Filters, classifier *fakeBackend) harnessOpt {
	return func(c *ManagerConfig) {
		c.Filters = f
		c.Services["imgclass"] = config.ServiceConfig{Backend: "worker"}
		c.Models["cls"] = config.ModelConfig{Service: "imgclass", MaxSimulUsers: 1}
		if err := c.Backends.Register("imgclass", classifier); err != nil {
			panic(err)
		}
	}
}

func newHarness(t *testing.T, chat *fakeBackend, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{chat: chat, pub: NewMemoryPublisher(), saver: &recordingSaver{}, ret: &fakeRetriever{text: "# Internet results\n\n## http://x\n\npage content"}}
	reg := backend.NewRegistry()
	if err := reg.Register("chatbot", textBackend{chat}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := ManagerConfig{
		Logger: zerolog.Nop(),
		Services: map[string]config.ServiceConfig{
			"chatbot": {
				Backend: "openai",
				Defaults: map[string]config.Knob{
					"temperature": {Default: 0.7, ModifiedByUser: true},
					"tools":       {Default: "{all}"},
					"max_length":  {Default: 100, ModifiedByUser: true},
				},
			},
		},
		Models: map[string]config.ModelConfig{
			"m": {Service: "chatbot", MaxSimulUsers: 1, Ctx: 10000, Pricing: metering.PricingTable{TextOutput: 1_000_000}},
		},
		Backends:  reg,
		Keys:      h.saver,
		Pricer:    metering.NewPricer(charTokens, nil),
		Retriever: h.ret,
		Publisher: h.pub,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.m = NewWithConfig(cfg)
	if err := h.m.LoadModels(testCtx(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return h
}

// collect runs Infer and returns every emitted event.
func (h *harness) collect(t *testing.T, req InferRequest) ([]types.Response, error) {
	t.Helper()
	var out []types.Response
	err := h.m.Infer(testCtx(t), req, func(r types.Response) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func userText(s string) types.Conversation {
	return types.Conversation{{Role: types.RoleUser, Content: []types.ContentPart{types.Text(s)}}}
}

func textEvents(texts ...string) []types.Event {
	out := make([]types.Event, len(texts))
	for i, s := range texts {
		out[i] = types.Event{Text: s}
	}
	return out
}

var errBoom = errors.New("boom")
