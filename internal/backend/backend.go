// Package backend defines the contract every inference engine implements to be
// scheduled by the manager, plus a startup-time service registry.
package backend

import (
	"context"
	"errors"
	"io"
	"sync"

	"inferd/internal/config"
	"inferd/pkg/types"
)

// Loader loads models by name. Loading a name that is already loaded must be
// a no-op.
type Loader interface {
	LoadModels(ctx context.Context, models map[string]config.ModelConfig) error
}

// Offloader releases named models. Unknown names are ignored.
type Offloader interface {
	OffloadModels(ctx context.Context, names []string) error
}

// Inferencer starts a streamed generation for a loaded model.
type Inferencer interface {
	Inference(ctx context.Context, model string, cfg Sampling, in Input) (Stream, error)
}

// Backend is the full capability set required at registration.
type Backend interface {
	Loader
	Offloader
	Inferencer
}

// ToolCapable is implemented by text generators that understand tool calls.
type ToolCapable interface {
	SupportsTools() bool
}

// Sampling is the resolved generation configuration of one turn.
type Sampling struct {
	Temperature      float64
	TopP             float64
	TopK             int
	MinP             float64
	TypicalP         float64
	Seed             int
	PresencePenalty  float64
	FrequencyPenalty float64
	RepeatPenalty    float64
	MaxLength        int
	Tools            []types.ToolDefinition
	ToolChoice       string
	// ToolStart and ToolEnd delimit tool calls in generated text.
	ToolStart string
	ToolEnd   string
	// Extra carries remaining model or caller options (voice, language...)
	// the generic fields do not cover.
	Extra map[string]any
}

// Input is what a backend generates from. Conversation points at the
// orchestrator's working conversation; a backend that appends the assistant
// turn itself must mark its events Persisted.
type Input struct {
	Conversation   *types.Conversation
	UserParameters map[string]any
}

// Stream yields the events of one inference call. Recv returns io.EOF after
// the last event. Close may be called at any time and releases the
// generation; it is safe to call more than once.
type Stream interface {
	Recv() (types.Event, error)
	Close() error
}

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

type sliceStream struct {
	events []types.Event
	closed bool
}

// SliceStream returns a Stream over fixed events.
func SliceStream(events ...types.Event) Stream { return &sliceStream{events: events} }

func (s *sliceStream) Recv() (types.Event, error) {
	if s.closed {
		return types.Event{}, ErrStreamClosed
	}
	if len(s.events) == 0 {
		return types.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type item struct {
	ev  types.Event
	err error
}

type pipeStream struct {
	items  chan item
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Pipe runs produce on its own goroutine and exposes what it emits as a
// Stream. emit fails once the consumer closed the stream. The error returned
// by produce is delivered after the last event; nil becomes io.EOF.
func Pipe(ctx context.Context, produce func(ctx context.Context, emit func(types.Event) error) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &pipeStream{items: make(chan item), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.items)
		emit := func(ev types.Event) error {
			select {
			case s.items <- item{ev: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := produce(ctx, emit)
		if err == nil {
			err = io.EOF
		}
		select {
		case s.items <- item{err: err}:
		case <-ctx.Done():
		}
	}()
	return s
}

func (s *pipeStream) Recv() (types.Event, error) {
	if s.err != nil {
		return types.Event{}, s.err
	}
	it, ok := <-s.items
	if !ok {
		s.err = io.EOF
		select {
		case <-s.done:
			s.err = ErrStreamClosed
		default:
		}
		return types.Event{}, s.err
	}
	if it.err != nil {
		s.err = it.err
		return types.Event{}, it.err
	}
	return it.ev, nil
}

func (s *pipeStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}
