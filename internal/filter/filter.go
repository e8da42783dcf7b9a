// Package filter runs content-safety classifiers over a conversation before
// generation. Each enabled modality is checked by its own classifier model,
// admitted through that model's queue with a priority ticket.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/queue"
	"inferd/pkg/types"
)

// ActionNone is the verdict of a clean classification.
const ActionNone = "none"

// Verdict is the outcome of one filter run.
type Verdict struct {
	Action     string
	Modality   string
	Model      string
	Label      string
	Confidence float64
}

// Blocked reports whether the verdict stops the turn.
func (v Verdict) Blocked() bool { return v.Action != "" && v.Action != ActionNone }

// Progress is reported while a filter ticket waits and runs.
type Progress struct {
	Modality   string
	Model      string
	Ticket     queue.Ticket
	UsersAhead int
}

// Resolver finds the backend serving a classifier model along with the
// model's configuration.
type Resolver interface {
	Classifier(model string) (backend.Inferencer, config.ModelConfig, error)
}

// Pipeline runs the enabled filter rules.
type Pipeline struct {
	queues   *queue.Registry
	resolver Resolver
	rules    []config.Modality
	log      zerolog.Logger
}

func New(log zerolog.Logger, queues *queue.Registry, resolver Resolver, filters config.Filters) *Pipeline {
	return &Pipeline{
		queues:   queues,
		resolver: resolver,
		rules:    filters.EnabledRules(),
		log:      log.With().Str("component", "filter").Logger(),
	}
}

// Enabled reports whether any rule is active.
func (p *Pipeline) Enabled() bool { return p != nil && len(p.rules) > 0 }

// Run checks each enabled modality in order and returns the first blocking
// verdict, or a verdict with ActionNone when every check passes.
func (p *Pipeline) Run(ctx context.Context, conv types.Conversation, notify func(Progress)) (Verdict, error) {
	if !p.Enabled() {
		return Verdict{Action: ActionNone}, nil
	}
	for _, m := range p.rules {
		v, err := p.RunFilter(ctx, m, conv, notify)
		if err != nil {
			return Verdict{}, err
		}
		if v.Blocked() {
			return v, nil
		}
	}
	return Verdict{Action: ActionNone}, nil
}

// RunFilter classifies the parts of conv matching the rule's modality.
// Conversations without such parts pass without queueing.
func (p *Pipeline) RunFilter(ctx context.Context, m config.Modality, conv types.Conversation, notify func(Progress)) (v Verdict, err error) {
	v = Verdict{Action: ActionNone, Modality: m.Part, Model: m.Rule.Model}
	sub := partsOf(conv, m.Part)
	if len(sub) == 0 {
		return v, nil
	}
	inf, mc, err := p.resolver.Classifier(m.Rule.Model)
	if err != nil {
		return v, fmt.Errorf("filter %s: %w", m.Part, err)
	}

	q := p.queues.GetOrCreate(m.Rule.Model, mc.MaxSimulUsers)
	t := q.CreateTicket(true)
	defer q.Delete(t)
	defer func() { observeVerdict(m.Part, v.Action, err) }()

	if notify != nil {
		notify(Progress{Modality: m.Part, Model: m.Rule.Model, Ticket: t, UsersAhead: q.UsersAhead(t)})
	}
	if err := q.AwaitAdmission(ctx, t); err != nil {
		return v, err
	}

	stream, err := inf.Inference(ctx, m.Rule.Model, backend.Sampling{Seed: -1}, backend.Input{Conversation: &sub})
	if err != nil {
		return v, fmt.Errorf("filter %s: %w", m.Part, err)
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return v, nil
		}
		if err != nil {
			return v, fmt.Errorf("filter %s: %w", m.Part, err)
		}
		label, conf, ok := classification(ev)
		if !ok {
			continue
		}
		p.log.Debug().Str("model", m.Rule.Model).Str("label", label).Float64("confidence", conf).Msg("classified")
		if strings.EqualFold(label, m.Rule.Label) && conf >= m.Rule.Threshold {
			v.Action = m.Rule.Action
			if v.Action == "" {
				v.Action = "block"
			}
			v.Label = label
			v.Confidence = conf
			p.log.Info().Str("model", m.Rule.Model).Str("modality", m.Part).Str("action", v.Action).Msg("filter matched")
			return v, nil
		}
	}
}

// partsOf keeps only the parts of the given type, dropping emptied messages.
func partsOf(conv types.Conversation, part string) types.Conversation {
	var out types.Conversation
	for _, msg := range conv {
		var keep []types.ContentPart
		for _, c := range msg.Content {
			if c.Type == part && c.Data != "" {
				keep = append(keep, c)
			}
		}
		if len(keep) > 0 {
			out = append(out, types.Message{Role: msg.Role, Content: keep})
		}
	}
	return out
}

// classification extracts a (label, confidence) pair from a classifier event,
// looking at extra fields first and then at a JSON text body. Confidences in
// [0, 1] are scaled to percent.
func classification(ev types.Event) (string, float64, bool) {
	fields := ev.Extra
	if _, ok := fields["label"]; !ok {
		fields = nil
		if err := json.Unmarshal([]byte(ev.Text), &fields); err != nil {
			return "", 0, false
		}
	}
	label, ok := fields["label"].(string)
	if !ok {
		return "", 0, false
	}
	var conf float64
	switch c := fields["confidence"].(type) {
	case float64:
		conf = c
	case float32:
		conf = float64(c)
	case int:
		conf = float64(c)
	case json.Number:
		conf, _ = c.Float64()
	default:
		return "", 0, false
	}
	if conf >= 0 && conf <= 1 {
		conf *= 100
	}
	return label, conf, true
}
