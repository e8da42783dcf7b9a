package backend

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"inferd/internal/config"
	"inferd/pkg/types"
)

type fullBackend struct{ tools bool }

func (fullBackend) LoadModels(context.Context, map[string]config.ModelConfig) error { return nil }
func (fullBackend) OffloadModels(context.Context, []string) error { return nil }
func (fullBackend) Inference(context.Context, string, Sampling, Input) (Stream, error) {
	return SliceStream(), nil
}
func (f fullBackend) SupportsTools() bool { return f.tools }

type loaderOnly struct{}

func (loaderOnly) LoadModels(context.Context, map[string]config.ModelConfig) error { return nil }

type noInference struct{ loaderOnly }

func (noInference) OffloadModels(context.Context, []string) error { return nil }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("chatbot", fullBackend{tools: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("chatbot", fullBackend{}); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
	if err := r.Register("", fullBackend{}); err == nil {
		t.Fatalf("empty name accepted")
	}

	cases := []struct {
		impl any
		cap  string
	}{
		{struct{}{}, "LoadModels"},
		{loaderOnly{}, "OffloadModels"},
		{noInference{}, "Inference"},
	}
	for _, c := range cases {
		err := r.Register("bad", c.impl)
		var mc MissingCapabilityError
		if !errors.As(err, &mc) || mc.Capability != c.cap || !IsMissingCapability(err) {
			t.Fatalf("Register(%T) err = %v; want missing %s", c.impl, err, c.cap)
		}
	}

	b, ok := r.Get("chatbot")
	if !ok || !SupportsTools(b) {
		t.Fatalf("registered backend not found or lost tool support")
	}
	if _, ok := r.Get("bad"); ok {
		t.Fatalf("rejected backend was registered")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "chatbot" {
		t.Fatalf("names = %v", names)
	}
}

func TestSliceStream(t *testing.T) {
	s := SliceStream(types.Event{Text: "a"}, types.Event{Text: "b"})
	var got string
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		got += ev.Text
	}
	if got != "ab" {
		t.Fatalf("got %q", got)
	}
	s.Close()
	if _, err := s.Recv(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("want ErrStreamClosed, got %v", err)
	}
}

func TestPipe_DeliversEventsThenError(t *testing.T) {
	boom := errors.New("boom")
	s := Pipe(context.Background(), func(ctx context.Context, emit func(types.Event) error) error {
		for _, txt := range []string{"x", "y"} {
			if err := emit(types.Event{Text: txt}); err != nil {
				return err
			}
		}
		return boom
	})
	defer s.Close()
	for _, want := range []string{"x", "y"} {
		ev, err := s.Recv()
		if err != nil || ev.Text != want {
			t.Fatalf("recv = %q, %v; want %q", ev.Text, err, want)
		}
	}
	if _, err := s.Recv(); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, boom) {
		t.Fatalf("error must be sticky, got %v", err)
	}
}

func TestPipe_CloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	s := Pipe(context.Background(), func(ctx context.Context, emit func(types.Event) error) error {
		defer close(stopped)
		for {
			if err := emit(types.Event{Text: "t"}); err != nil {
				return err
			}
		}
	})
	if _, err := s.Recv(); err != nil {
		t.Fatalf("recv: %v", err)
	}
	s.Close()
	s.Close()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("producer kept running after Close")
	}
}
