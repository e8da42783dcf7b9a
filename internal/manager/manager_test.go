package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"inferd/internal/config"
	"inferd/internal/keys"
	"inferd/internal/metering"
	"inferd/pkg/types"
)

func TestInfer_StreamsAndEnds(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{textEvents("Hel", "lo")}}
	h := newHarness(t, chat)
	key := &keys.APIKey{Key: "k", Tokens: 100}

	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: key})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("want 3 events, got %d: %+v", len(evs), evs)
	}
	if evs[0].Response.Text != "Hel" || evs[1].Response.Text != "lo" {
		t.Fatalf("unexpected stream: %+v", evs)
	}
	last := evs[2]
	if !last.Ended || last.Ticket == nil || *last.Ticket != 1 {
		t.Fatalf("bad terminal event: %+v", last)
	}
	conv := last.ConversationResult
	if len(conv) != 2 || conv[1].Role != types.RoleAssistant || conv[1].TextContent() != "Hello" {
		t.Fatalf("conversation = %+v", conv)
	}
	if key.Tokens != 95 {
		t.Fatalf("balance = %v, want 95", key.Tokens)
	}
	if len(h.saver.saved) != 1 || h.saver.saved[0].Tokens != 95 {
		t.Fatalf("saved = %+v", h.saver.saved)
	}
	q, _ := h.m.Queues().Get("m")
	if s := q.Stats(); s.Waiting != 0 || s.Processing != 0 || s.FirstTokenSeconds == nil || s.TokensPerSecond == nil {
		t.Fatalf("queue stats = %+v", s)
	}
}

func TestInfer_InputIsBilledFirst(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{textEvents("x")}}
	h := newHarness(t, chat, func(c *ManagerConfig) {
		mc := c.Models["m"]
		mc.Pricing = metering.PricingTable{TextInput: 1_000_000}
		c.Models["m"] = mc
	})
	key := &keys.APIKey{Key: "k", Tokens: 3}
	_, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("four")}, Key: key})
	var ib metering.InsufficientBalanceError
	if !errors.As(err, &ib) || ib.Required != 4 || ib.Available != 3 {
		t.Fatalf("want insufficient balance 4/3, got %v", err)
	}
	if chat.callCount() != 0 {
		t.Fatalf("backend called despite insufficient balance")
	}
}

func TestInfer_InsufficientBalanceMidStream(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{textEvents("abc", "def", "ghi")}}
	h := newHarness(t, chat)
	key := &keys.APIKey{Key: "k", Tokens: 5}

	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: key})
	if !metering.IsInsufficientBalance(err) {
		t.Fatalf("want insufficient balance, got %v", err)
	}
	if len(evs) != 2 || evs[0].Response.Text != "abc" {
		t.Fatalf("events = %+v", evs)
	}
	if !evs[1].Ended || len(evs[1].Errors) != 1 || evs[1].Ticket == nil {
		t.Fatalf("error event = %+v", evs[1])
	}
	if key.Tokens != 2 {
		t.Fatalf("balance = %v, want 2", key.Tokens)
	}
	if len(h.saver.saved) != 1 {
		t.Fatalf("key not saved after failure")
	}
	q, _ := h.m.Queues().Get("m")
	if s := q.Stats(); s.Waiting != 0 || s.Processing != 0 {
		t.Fatalf("ticket leaked: %+v", s)
	}
	names := h.pub.Names()
	if names[len(names)-1] != EventTurnFailed {
		t.Fatalf("last event = %v", names)
	}
}

func TestInfer_PriorityTicket(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	key := &keys.APIKey{Key: "k", Tokens: 1, PrioritizedModels: []string{"m"}}
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: key})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if tk := evs[len(evs)-1].Ticket; tk == nil || *tk > 0 {
		t.Fatalf("want priority ticket, got %v", tk)
	}
}

func TestInfer_ToolLoop(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{
		textEvents(
			"Let me look. <tool_",
			`call>{"name":"scrape_website","arguments":{"urls":["http://x"],`,
			`"prompt":"summarize"}}</tool_call>`,
			" ok",
		),
		textEvents("Summary."),
	}}
	h := newHarness(t, chat)
	key := &keys.APIKey{Key: "k", Tokens: 1000}

	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("what is at x?")}, Key: key})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if chat.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", chat.callCount())
	}
	if len(chat.calls[0].Tools) != 2 || chat.calls[1].Tools != nil {
		t.Fatalf("tools offered: first %d, continuation %v", len(chat.calls[0].Tools), chat.calls[1].Tools)
	}
	if len(h.ret.urls) != 1 || h.ret.urls[0] != "http://x" {
		t.Fatalf("scraped %v", h.ret.urls)
	}

	conv := evs[len(evs)-1].ConversationResult
	roles := make([]string, len(conv))
	for i, m := range conv {
		roles[i] = m.Role
	}
	want := []string{types.RoleUser, types.RoleAssistant, types.RoleTool, types.RoleUser, types.RoleAssistant}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	if !strings.HasPrefix(conv[1].TextContent(), "Let me look.") {
		t.Fatalf("assistant text = %q", conv[1].TextContent())
	}
	if !strings.Contains(conv[2].TextContent(), "page content") || conv[3].TextContent() != "summarize" || conv[4].TextContent() != "Summary." {
		t.Fatalf("conversation = %+v", conv)
	}
	ended := 0
	for _, e := range evs {
		if e.Ended {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("ended events = %d, want 1", ended)
	}
}

func TestInfer_UnknownTool(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{textEvents(`<tool_call>{"name":"nope","arguments":{}}</tool_call>`)}}
	h := newHarness(t, chat)
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: &keys.APIKey{Key: "k", Tokens: 1000}})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	var warned bool
	for _, e := range evs {
		if len(e.Warnings) == 1 && e.Warnings[0] == "Unknown tool" {
			warned = e.Response != nil && strings.Contains(e.Response.Text, `"nope"`)
		}
	}
	if !warned {
		t.Fatalf("no unknown tool warning in %+v", evs)
	}
	if chat.callCount() != 1 {
		t.Fatalf("unknown tool triggered a continuation")
	}
}

func TestInfer_ToolErrorIsNotFatal(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{textEvents(`<tool_call>{"name":"scrape_website","arguments":{"urls":["http://x"],"prompt":"p"}}</tool_call>`)}}
	h := newHarness(t, chat)
	h.ret.err = errBoom
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: &keys.APIKey{Key: "k", Tokens: 1000}})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	found := false
	for _, e := range evs {
		if len(e.Errors) == 1 && strings.HasPrefix(e.Errors[0], "Error processing tool: ") && !e.Ended {
			found = true
		}
	}
	if !found || !evs[len(evs)-1].Ended {
		t.Fatalf("events = %+v", evs)
	}
}

func TestInfer_ContextTooSmallForTool(t *testing.T) {
	chat := &fakeBackend{scripts: [][]types.Event{textEvents(`<tool_call>{"name":"scrape_website","arguments":{"urls":["http://x"],"prompt":"a long follow up"}}</tool_call>`)}}
	h := newHarness(t, chat, func(c *ManagerConfig) {
		mc := c.Models["m"]
		mc.Ctx = 4
		c.Models["m"] = mc
	})
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: &keys.APIKey{Key: "k", Tokens: 1000}})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if chat.callCount() != 1 {
		t.Fatalf("continuation ran with an exhausted context")
	}
	if conv := evs[len(evs)-1].ConversationResult; len(conv) != 2 {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestInfer_DropsUnsupportedContent(t *testing.T) {
	chat := &fakeBackend{}
	h := newHarness(t, chat)
	conv := types.Conversation{{Role: types.RoleUser, Content: []types.ContentPart{types.Text("see"), {Type: types.PartImage, Data: "AAAA"}}}}
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: conv}, Key: &keys.APIKey{Key: "k", Tokens: 1}})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(evs[0].Warnings) != 1 || !strings.Contains(evs[0].Warnings[0], `"image"`) {
		t.Fatalf("first event = %+v", evs[0])
	}
	if got := chat.convs[0][0].Content; len(got) != 1 || got[0].Type != types.PartText {
		t.Fatalf("backend saw %+v", got)
	}
	if len(conv[0].Content) != 2 {
		t.Fatalf("caller conversation mutated")
	}
}

func TestInfer_FilterBlocks(t *testing.T) {
	classifier := &fakeBackend{scripts: [][]types.Event{{{Extra: map[string]any{"label": "nsfw", "confidence": 0.97}}}}}
	filters := config.Filters{
		Enabled: true,
		Image:   config.FilterRule{Enabled: true, Model: "cls", Label: "nsfw", Threshold: 90, Action: "block"},
	}
	chat := &fakeBackend{}
	h := newHarness(t, chat, withFilters(filters, classifier))
	conv := types.Conversation{{Role: types.RoleUser, Content: []types.ContentPart{{Type: types.PartImage, Data: "AAAA"}}}}
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: conv}, Key: &keys.APIKey{Key: "k", Tokens: 1}})
	if !IsFilterBlocked(err) {
		t.Fatalf("want filter blocked, got %v", err)
	}
	if chat.callCount() != 0 || classifier.callCount() != 1 {
		t.Fatalf("calls: chat %d classifier %d", chat.callCount(), classifier.callCount())
	}
	if len(evs) != 1 || !evs[0].Ended {
		t.Fatalf("events = %+v", evs)
	}
	found := false
	for _, n := range h.pub.Names() {
		found = found || n == EventFilterBlocked
	}
	if !found {
		t.Fatalf("filter_blocked not published: %v", h.pub.Names())
	}
}

func TestInfer_Errors(t *testing.T) {
	h := newHarness(t, &fakeBackend{streamErr: errBoom})
	_, err := h.collect(t, InferRequest{Model: "nope", Key: &keys.APIKey{}})
	if !IsModelNotFound(err) {
		t.Fatalf("want model not found, got %v", err)
	}
	_, err = h.collect(t, InferRequest{Model: "m"})
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("want ErrNoKey, got %v", err)
	}
	evs, err := h.collect(t, InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: &keys.APIKey{Key: "k", Tokens: 1}})
	if !errors.Is(err, errBoom) {
		t.Fatalf("want backend error, got %v", err)
	}
	if len(evs) != 1 || !evs[0].Ended || evs[0].Ticket == nil {
		t.Fatalf("events = %+v", evs)
	}
}

func TestInfer_CallerGone(t *testing.T) {
	h := newHarness(t, &fakeBackend{scripts: [][]types.Event{textEvents("a", "b")}})
	calls := 0
	err := h.m.Infer(testCtx(t), InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: &keys.APIKey{Key: "k", Tokens: 100}}, func(types.Response) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, ErrCallerGone) {
		t.Fatalf("want ErrCallerGone, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("emit called %d times after failing", calls)
	}
	if len(h.saver.saved) != 1 {
		t.Fatalf("key not saved when caller left")
	}
}

func TestInfer_CancelWhileQueued(t *testing.T) {
	h := newHarness(t, &fakeBackend{})
	q, _ := h.m.Queues().Get("m")
	busy := q.CreateTicket(false)
	q.Admit()

	ctx, cancel := context.WithCancel(testCtx(t))
	cancel()
	err := h.m.Infer(ctx, InferRequest{Model: "m", Key: &keys.APIKey{Key: "k"}}, func(types.Response) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if s := q.Stats(); s.Waiting != 0 || s.Processing != 1 {
		t.Fatalf("queue = %+v", s)
	}
	q.Delete(busy)
}

func TestInfer_ConcurrentTurnsShareBalance(t *testing.T) {
	store := keys.NewMemoryStore(&keys.APIKey{Key: "k", Tokens: 10})
	auth := &keys.Authenticator{Store: store}
	chat := &fakeBackend{scripts: [][]types.Event{textEvents("abcdefgh"), textEvents("abcdefgh")}}
	h := newHarness(t, chat, func(c *ManagerConfig) { c.Keys = auth })

	ctx := testCtx(t)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		key, err := auth.Resolve(ctx, "k", "127.0.0.1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := InferRequest{Model: "m", Prompt: types.Prompt{Conversation: userText("hi")}, Key: key}
			errs[i] = h.m.Infer(ctx, req, func(types.Response) error { return nil })
		}()
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case metering.IsInsufficientBalance(err):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("want one success and one insufficient balance, got %v", errs)
	}
	stored, err := store.Load(ctx, "k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Tokens != 2 {
		t.Fatalf("stored balance = %v, want 2", stored.Tokens)
	}
}
