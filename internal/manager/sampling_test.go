package manager

import (
	"testing"

	"inferd/internal/config"
)

func TestResolveSampling_Precedence(t *testing.T) {
	svc := config.ServiceConfig{
		ToolStartToken: "[[",
		Defaults: map[string]config.Knob{
			"temperature": {Default: 0.7, ModifiedByUser: true},
			"top_k":       {Default: 40},
			"top_p":       {Default: 0.9},
			"seed":        {Default: -1, ModifiedByUser: true},
			"max_length":  {Default: 100, ModifiedByUser: true},
			"tools":       {Default: "scrape_website"},
			"tool_choice": {Default: "auto"},
			"voice":       {Default: "alto", ModifiedByUser: true},
		},
	}
	mc := config.ModelConfig{
		ToolEndToken: "]]",
		Defaults:     map[string]any{"top_p": 0.5, "language": "en"},
	}
	user := map[string]any{
		"temperature": 1.2,
		"top_k":       5,
		"seed":        float64(42),
		"max_length":  500,
		"tools":       "{all}",
		"voice":       "bass",
	}
	s := resolveSampling(svc, mc, user)

	if s.Temperature != 1.2 {
		t.Fatalf("temperature = %v, want user value", s.Temperature)
	}
	if s.TopK != 40 {
		t.Fatalf("top_k = %v, user value must be ignored", s.TopK)
	}
	if s.TopP != 0.5 {
		t.Fatalf("top_p = %v, want model value", s.TopP)
	}
	if s.Seed != 42 {
		t.Fatalf("seed = %v", s.Seed)
	}
	if s.MaxLength != 100 {
		t.Fatalf("max_length = %v, want capped to 100", s.MaxLength)
	}
	if len(s.Tools) != 1 || s.Tools[0].Name != "scrape_website" {
		t.Fatalf("tools = %+v", s.Tools)
	}
	if s.ToolChoice != "auto" {
		t.Fatalf("tool_choice = %q", s.ToolChoice)
	}
	if s.ToolStart != "[[" || s.ToolEnd != "]]" {
		t.Fatalf("delimiters = %q %q", s.ToolStart, s.ToolEnd)
	}
	if s.Extra["voice"] != "bass" || s.Extra["language"] != "en" {
		t.Fatalf("extra = %+v", s.Extra)
	}
}

func TestResolveSampling_Defaults(t *testing.T) {
	s := resolveSampling(config.ServiceConfig{}, config.ModelConfig{}, nil)
	if s.Seed != -1 || s.MaxLength != 0 || s.Tools != nil || s.Extra != nil {
		t.Fatalf("sampling = %+v", s)
	}
	if s.ToolStart != "<tool_call>" || s.ToolEnd != "</tool_call>" {
		t.Fatalf("delimiters = %q %q", s.ToolStart, s.ToolEnd)
	}
}

func TestResolveSampling_AllowGreaterThanDefault(t *testing.T) {
	svc := config.ServiceConfig{Defaults: map[string]config.Knob{
		"max_length": {Default: 100, ModifiedByUser: true, AllowGreaterThanDefault: true},
	}}
	if s := resolveSampling(svc, config.ModelConfig{}, map[string]any{"max_length": 300}); s.MaxLength != 300 {
		t.Fatalf("max_length = %d, want 300", s.MaxLength)
	}
}
