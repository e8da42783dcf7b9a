package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"inferd/internal/backend"
	"inferd/internal/metering"
	"inferd/internal/tools"
	"inferd/pkg/types"
)

func supportsTools(e modelEntry) bool { return backend.SupportsTools(e.backend) }

// generate streams one backend call into the conversation and then runs the
// tool calls found in its text. Output is billed per event; an overdraft
// stops the stream without retracting what was already sent.
func (t *turn) generate(ctx context.Context, conv *types.Conversation, cfg backend.Sampling) error {
	t.last = time.Now()
	stream, err := t.entry.backend.Inference(ctx, t.entry.name, cfg, backend.Input{Conversation: conv, UserParameters: t.req.UserParameters})
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	defer stream.Close()

	var scan *tools.Scanner
	if supportsTools(t.entry) {
		scan = tools.NewScanner(cfg.ToolStart, cfg.ToolEnd)
	}
	var (
		text      strings.Builder
		files     []types.ContentPart
		persisted bool
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("inference: %w", err)
		}
		parts := append([]types.ContentPart{types.Text(ev.Text)}, ev.Files...)
		price, err := t.m.pricer.Price(parts, t.entry.cfg.Pricing, metering.Output)
		if err != nil {
			return err
		}
		if err := t.debit(price, metering.Output); err != nil {
			return err
		}
		t.observe(time.Now())

		text.WriteString(ev.Text)
		files = append(files, ev.Files...)
		persisted = persisted || ev.Persisted
		if scan != nil {
			scan.Feed(ev.Text)
		}
		if err := t.send(t.response(ev)); err != nil {
			return err
		}
	}

	if !persisted {
		content := append([]types.ContentPart{types.Text(text.String())}, files...)
		*conv = append(*conv, types.Message{Role: types.RoleAssistant, Content: content})
	}
	if scan == nil {
		return nil
	}
	for _, payload := range scan.Calls() {
		if err := t.runTool(ctx, conv, cfg, payload); err != nil {
			return err
		}
	}
	return nil
}

// observe updates first-token latency on the queue and the turn's
// inter-event interval, which is folded into the queue on cleanup.
func (t *turn) observe(now time.Time) {
	dt := now.Sub(t.last)
	t.last = now
	if !t.gotFirst {
		t.gotFirst = true
		t.q.ObserveFirstToken(dt)
		return
	}
	if t.interval == 0 {
		t.interval = dt.Seconds()
	}
	t.interval = (t.interval + dt.Seconds()) / 2
}

func (t *turn) response(ev types.Event) types.Response {
	return types.Response{
		Response: &types.ResponseBody{Text: ev.Text, Files: ev.Files, Extra: ev.Extra},
		Warnings: ev.Warnings,
		Errors:   ev.Errors,
		Ticket:   t.ref(),
	}
}

// runTool handles one tool-call payload. Problems with the call itself are
// reported to the caller and do not fail the turn; only delivery, billing
// and continuation failures are returned.
func (t *turn) runTool(ctx context.Context, conv *types.Conversation, cfg backend.Sampling, payload string) error {
	call, err := tools.ParseCall(payload)
	if err != nil {
		toolCalls.WithLabelValues("invalid", "error").Inc()
		return t.toolError(err)
	}
	if _, ok := tools.Find(cfg.Tools, call.Name); !ok {
		toolCalls.WithLabelValues("unknown", "unknown").Inc()
		t.log.Info().Str("tool", call.Name).Msg("unknown tool")
		return t.send(types.Response{
			Response: &types.ResponseBody{Text: call.Raw()},
			Warnings: []string{"Unknown tool"},
			Ticket:   t.ref(),
		})
	}
	switch call.Name {
	case tools.ScrapeWebsite:
		return t.scrape(ctx, conv, cfg, call)
	case tools.SearchText:
		toolCalls.WithLabelValues(call.Name, "unavailable").Inc()
		return t.send(types.Response{
			Warnings: []string{fmt.Sprintf("%s: %v", tools.SearchText, tools.ErrNoSearchProvider)},
			Ticket:   t.ref(),
		})
	}
	return nil
}

// scrape retrieves the requested pages, appends them with the follow-up
// prompt and continues generation without tools.
func (t *turn) scrape(ctx context.Context, conv *types.Conversation, cfg backend.Sampling, call tools.Call) error {
	if err := t.send(types.Response{Response: &types.ResponseBody{Text: "\n"}, Ticket: t.ref()}); err != nil {
		return err
	}
	var args tools.ScrapeArgs
	result, err := func() (string, error) {
		if err := call.DecodeArgs(&args); err != nil {
			return "", err
		}
		if t.m.retriever == nil {
			return "", errors.New("no retriever configured")
		}
		t.log.Info().Strs("urls", args.URLs).Msg("scraping for tool call")
		raw, err := t.m.retriever.Scrape(ctx, args.URLs)
		if err != nil {
			return "", err
		}
		return tools.Trim(raw, t.entry.cfg.Ctx, utf8.RuneCountInString(args.Prompt))
	}()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		toolCalls.WithLabelValues(call.Name, "error").Inc()
		return t.toolError(err)
	}
	toolCalls.WithLabelValues(call.Name, "ok").Inc()

	*conv = append(*conv,
		types.Message{Role: types.RoleTool, Content: []types.ContentPart{types.Text(result)}},
		types.Message{Role: types.RoleUser, Content: []types.ContentPart{types.Text(args.Prompt)}},
	)
	next := cfg
	next.Tools = nil
	return t.generate(ctx, conv, next)
}

func (t *turn) toolError(err error) error {
	t.log.Error().Err(err).Msg("tool processing failed")
	return t.send(types.Response{Errors: []string{"Error processing tool: " + err.Error()}, Ticket: t.ref()})
}
