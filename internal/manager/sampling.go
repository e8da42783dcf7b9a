package manager

import (
	"encoding/json"
	"sort"

	"inferd/internal/backend"
	"inferd/internal/config"
	"inferd/internal/tools"
)

// Sampling option names with dedicated Sampling fields.
var samplingFields = map[string]bool{
	"temperature": true, "top_p": true, "top_k": true, "min_p": true,
	"typical_p": true, "seed": true, "presence_penalty": true,
	"frequency_penalty": true, "repeat_penalty": true, "max_length": true,
	"tools": true, "tool_choice": true,
}

type optionSource struct {
	svc  config.ServiceConfig
	mc   config.ModelConfig
	user map[string]any
}

// value resolves one option: a caller value when the service lets callers
// change it, else the model default, else the service default.
func (o optionSource) value(name string) (any, bool) {
	knob, hasKnob := o.svc.Defaults[name]
	if v, ok := o.user[name]; ok && hasKnob && knob.ModifiedByUser {
		return v, true
	}
	if v, ok := o.mc.Defaults[name]; ok {
		return v, true
	}
	if hasKnob && knob.Default != nil {
		return knob.Default, true
	}
	return nil, false
}

func (o optionSource) number(name string) float64 {
	v, _ := o.value(name)
	f, _ := asFloat(v)
	return f
}

func (o optionSource) integer(name string, def int) int {
	v, ok := o.value(name)
	if !ok {
		return def
	}
	f, ok := asFloat(v)
	if !ok {
		return def
	}
	return int(f)
}

func resolveSampling(svc config.ServiceConfig, mc config.ModelConfig, user map[string]any) backend.Sampling {
	o := optionSource{svc: svc, mc: mc, user: user}
	s := backend.Sampling{
		Temperature:      o.number("temperature"),
		TopP:             o.number("top_p"),
		TopK:             o.integer("top_k", 0),
		MinP:             o.number("min_p"),
		TypicalP:         o.number("typical_p"),
		Seed:             o.integer("seed", -1),
		PresencePenalty:  o.number("presence_penalty"),
		FrequencyPenalty: o.number("frequency_penalty"),
		RepeatPenalty:    o.number("repeat_penalty"),
		MaxLength:        o.integer("max_length", 0),
	}
	if knob, ok := svc.Defaults["max_length"]; ok && !knob.AllowGreaterThanDefault {
		if limit, ok := asFloat(knob.Default); ok && s.MaxLength > int(limit) {
			s.MaxLength = int(limit)
		}
	}
	if v, ok := o.value("tools"); ok {
		s.Tools = tools.Select(v)
	}
	if v, ok := o.value("tool_choice"); ok {
		s.ToolChoice, _ = v.(string)
	}
	s.ToolStart, s.ToolEnd = toolDelimiters(svc, mc)

	names := map[string]bool{}
	for n := range svc.Defaults {
		names[n] = true
	}
	for n := range mc.Defaults {
		names[n] = true
	}
	extra := make([]string, 0, len(names))
	for n := range names {
		if !samplingFields[n] {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	for _, n := range extra {
		if v, ok := o.value(n); ok {
			if s.Extra == nil {
				s.Extra = map[string]any{}
			}
			s.Extra[n] = v
		}
	}
	return s
}

// toolDelimiters picks the model's delimiters, then the service's, then the
// defaults.
func toolDelimiters(svc config.ServiceConfig, mc config.ModelConfig) (string, string) {
	start, end := mc.ToolStartToken, mc.ToolEndToken
	if start == "" {
		start = svc.ToolStartToken
	}
	if end == "" {
		end = svc.ToolEndToken
	}
	if start == "" {
		start = tools.DefaultStartToken
	}
	if end == "" {
		end = tools.DefaultEndToken
	}
	return start, end
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
