package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/keys"
	"inferd/internal/metering"
	"inferd/internal/queue"
	"inferd/pkg/types"
)

// InferRequest is one inference turn for a resolved caller.
type InferRequest struct {
	Model          string
	Prompt         types.Prompt
	UserParameters map[string]any
	// Key is debited through the manager's KeyLedger and saved when the
	// turn ends.
	Key *keys.APIKey
}

// turn is the state of one Infer call, shared with its tool continuations.
type turn struct {
	m    *Manager
	req  InferRequest
	emit func(types.Response) error
	log  zerolog.Logger

	entry    modelEntry
	q        *queue.Queue
	ticket   queue.Ticket
	ticketed bool

	last     time.Time
	gotFirst bool
	// interval is the EMA of seconds between streamed events, 0 when unset.
	interval float64
	// balance is what the key had left after the latest debit.
	balance float64
}

// Infer runs one turn and streams its events to emit. The exchange always
// ends with exactly one event marked Ended: the final conversation on
// success, an error event otherwise. The error is also returned. When emit
// itself fails no further events are attempted and ErrCallerGone is
// returned.
func (m *Manager) Infer(ctx context.Context, req InferRequest, emit func(types.Response) error) error {
	t := &turn{m: m, req: req, emit: emit, log: m.log.With().Str("model", req.Model).Logger()}
	err := t.run(ctx)
	if err == nil || errors.Is(err, ErrCallerGone) {
		return err
	}
	ev := types.Response{Errors: []string{err.Error()}, Ended: true}
	if t.ticketed {
		ev.Ticket = ticketRef(int64(t.ticket))
	}
	if serr := emit(ev); serr != nil {
		t.log.Debug().Err(serr).Msg("error event not delivered")
	}
	return err
}

func (t *turn) run(ctx context.Context) (err error) {
	e, err := t.m.resolve(t.req.Model)
	if err != nil {
		return err
	}
	if t.req.Key == nil {
		return ErrNoKey
	}
	t.entry = e
	t.q = t.m.queues.GetOrCreate(e.name, e.cfg.MaxSimulUsers)
	t.ticket = t.q.CreateTicket(t.req.Key.Prioritizes(e.name))
	t.ticketed = true
	t.log = t.log.With().Int64("ticket", int64(t.ticket)).Logger()
	t.m.publish(EventTicketCreated, e.name, map[string]any{"ticket": int64(t.ticket), "priority": t.ticket.Priority()})
	defer t.cleanup(ctx, &err)

	waitStart := time.Now()
	if err := t.q.AwaitAdmission(ctx, t.ticket); err != nil {
		return err
	}
	admissionWait.WithLabelValues(e.name).Observe(time.Since(waitStart).Seconds())
	t.m.publish(EventAdmitted, e.name, map[string]any{"ticket": int64(t.ticket)})

	conv := t.req.Prompt.Conversation.Clone()
	for _, msg := range conv {
		price, err := t.m.pricer.Price(msg.Content, e.cfg.Pricing, metering.Input)
		if err != nil {
			return err
		}
		if err := t.debit(price, metering.Input); err != nil {
			return err
		}
	}

	if !e.cfg.DisableFilters && t.m.filters.Enabled() {
		v, err := t.m.filters.Run(ctx, conv, nil)
		if err != nil {
			return err
		}
		if v.Blocked() {
			t.m.publish(EventFilterBlocked, e.name, map[string]any{"ticket": int64(t.ticket), "modality": v.Modality, "action": v.Action})
			return FilterBlockedError{Modality: v.Modality, Action: v.Action, Label: v.Label}
		}
	}

	cfg := resolveSampling(e.svc, e.cfg, t.req.Prompt.Parameters)
	if supportsTools(e) {
		var warnings []string
		conv, warnings = dropUnsupported(conv, e.cfg)
		if len(warnings) > 0 {
			if err := t.send(types.Response{Warnings: warnings, Ticket: t.ref()}); err != nil {
				return err
			}
		}
	} else {
		cfg.Tools = nil
	}

	if err := t.generate(ctx, &conv, cfg); err != nil {
		return err
	}
	return t.send(types.Response{ConversationResult: conv, Ticket: t.ref(), Ended: true})
}

// cleanup folds throughput into the queue, releases the ticket and saves the
// key. It runs on every exit path once a ticket exists.
func (t *turn) cleanup(ctx context.Context, errp *error) {
	if t.interval > 0 {
		t.q.ObserveInterval(t.interval)
	}
	t.q.Delete(t.ticket)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.m.saveTO)
	defer cancel()
	if err := t.m.keys.Save(saveCtx, t.req.Key); err != nil {
		t.log.Error().Err(err).Msg("save key failed")
	}

	fields := map[string]any{"ticket": int64(t.ticket)}
	if *errp != nil {
		fields["error"] = (*errp).Error()
		t.m.publish(EventTurnFailed, t.entry.name, fields)
		t.log.Warn().Err(*errp).Msg("turn failed")
		return
	}
	t.m.publish(EventTurnDone, t.entry.name, fields)
	t.log.Debug().Float64("balance", t.balance).Msg("turn done")
}

func (t *turn) debit(amount float64, d metering.Direction) error {
	bal, err := t.m.keys.Debit(t.req.Key, amount)
	if err != nil {
		return err
	}
	t.balance = bal
	if amount > 0 {
		tokensDebited.WithLabelValues(t.entry.name, d.String()).Add(amount)
	}
	return nil
}

func (t *turn) send(r types.Response) error {
	if err := t.emit(r); err != nil {
		return fmt.Errorf("%w: %v", ErrCallerGone, err)
	}
	return nil
}

func (t *turn) ref() *int64 { return ticketRef(int64(t.ticket)) }
