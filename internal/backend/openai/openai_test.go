package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func sseServer(t *testing.T, chunks []string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func contentChunk(s string) string {
	return fmt.Sprintf(`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, s)
}

func drain(t *testing.T, s backend.Stream) []types.Event {
	t.Helper()
	defer s.Close()
	var out []types.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, ev)
	}
}

func TestInference_StreamsContent(t *testing.T) {
	var seen map[string]any
	srv := sseServer(t, []string{contentChunk("Hel"), contentChunk("lo")}, &seen)
	defer srv.Close()

	b := New(zerolog.Nop(), srv.Client())
	if err := b.LoadModels(testCtx(t), map[string]config.ModelConfig{"m": {Endpoint: srv.URL, RemoteModel: "remote-m"}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	conv := types.Conversation{{Role: types.RoleUser, Content: []types.ContentPart{types.Text("hi")}}}
	s, err := b.Inference(testCtx(t), "m", backend.Sampling{Temperature: 0.5, MaxLength: 32, Seed: 7}, backend.Input{Conversation: &conv})
	if err != nil {
		t.Fatalf("inference: %v", err)
	}
	evs := drain(t, s)
	var text strings.Builder
	for _, ev := range evs {
		text.WriteString(ev.Text)
	}
	if text.String() != "Hello" {
		t.Fatalf("text = %q", text.String())
	}
	if seen["model"] != "remote-m" || seen["max_tokens"] != float64(32) || seen["seed"] != float64(7) {
		t.Fatalf("request = %v", seen)
	}
}

func TestInference_NativeToolCallsRenderedAsText(t *testing.T) {
	chunks := []string{
		contentChunk("Let me check."),
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"scrape_website","arguments":"{\"urls\":"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"[\"https://x\"],\"prompt\":\"p\"}"}}]}}]}`,
	}
	srv := sseServer(t, chunks, nil)
	defer srv.Close()

	b := New(zerolog.Nop(), srv.Client())
	if err := b.LoadModels(testCtx(t), map[string]config.ModelConfig{"m": {Endpoint: srv.URL + "/v1"}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	conv := types.Conversation{{Role: types.RoleUser, Content: []types.ContentPart{types.Text("hi")}}}
	tools := []types.ToolDefinition{{Name: "scrape_website"}}
	s, err := b.Inference(testCtx(t), "m", backend.Sampling{Seed: -1, Tools: tools, ToolChoice: "auto"}, backend.Input{Conversation: &conv})
	if err != nil {
		t.Fatalf("inference: %v", err)
	}
	evs := drain(t, s)
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	want := `<tool_call>{"name":"scrape_website","arguments":{"urls":["https://x"],"prompt":"p"}}</tool_call>`
	if evs[1].Text != want {
		t.Fatalf("tool text = %q; want %q", evs[1].Text, want)
	}
}

func TestLoadAndOffload(t *testing.T) {
	b := New(zerolog.Nop(), nil)
	err := b.LoadModels(testCtx(t), map[string]config.ModelConfig{"bad": {}})
	if !backend.IsInvalidConfiguration(err) {
		t.Fatalf("want invalid configuration, got %v", err)
	}
	if err := b.LoadModels(testCtx(t), map[string]config.ModelConfig{"m": {Endpoint: "http://127.0.0.1:1"}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := b.LoadModels(testCtx(t), map[string]config.ModelConfig{"m": {Endpoint: "http://127.0.0.1:1"}}); err != nil {
		t.Fatalf("second load must be a no-op: %v", err)
	}
	if err := b.OffloadModels(testCtx(t), []string{"m", "unknown"}); err != nil {
		t.Fatalf("offload: %v", err)
	}
	if _, err := b.Inference(testCtx(t), "m", backend.Sampling{}, backend.Input{}); !errors.Is(err, backend.ErrModelNotLoaded) {
		t.Fatalf("want ErrModelNotLoaded, got %v", err)
	}
}

func TestToMessages(t *testing.T) {
	png := "iVBORw0KGgo="
	conv := types.Conversation{
		{Role: types.RoleUser, Content: []types.ContentPart{types.Text("a"), types.Text("b")}},
		{Role: types.RoleUser, Content: []types.ContentPart{types.Text("look"), {Type: types.PartImage, Data: png}}},
	}
	msgs, err := toMessages(conv)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if msgs[0].Content != "ab" || len(msgs[0].MultiContent) != 0 {
		t.Fatalf("text message = %+v", msgs[0])
	}
	if len(msgs[1].MultiContent) != 2 || !strings.HasPrefix(msgs[1].MultiContent[1].ImageURL.URL, "data:image/png;base64,") {
		t.Fatalf("image message = %+v", msgs[1])
	}
	if _, err := toMessages(types.Conversation{{Role: "user", Content: []types.ContentPart{{Type: types.PartAudio, Data: "AA=="}}}}); err == nil {
		t.Fatalf("expected unsupported content error")
	}
}
