package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"inferd/pkg/types"
)

// Built-in tool names.
const (
	ScrapeWebsite = "scrape_website"
	SearchText    = "search_text"

	// SelectAll in a tool list enables every built-in tool.
	SelectAll = "{all}"
)

var builtins = []types.ToolDefinition{
	{
		Name:        ScrapeWebsite,
		Description: "Scrapes websites for information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "URLs to search on the internet.",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Follow-up question or instruction to guide the search.",
				},
			},
			"required": []string{"urls", "prompt"},
		},
	},
	{
		Name:        SearchText,
		Description: "Searches the internet for information using keywords.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keywords": map[string]any{
					"type":        "string",
					"description": "Keywords to search on the internet, space separated.",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Follow-up question or instruction to guide the search.",
				},
			},
			"required": []string{"keywords", "prompt"},
		},
	},
}

// Builtins returns the built-in tool definitions.
func Builtins() []types.ToolDefinition {
	return append([]types.ToolDefinition(nil), builtins...)
}

// Select resolves a configured tool list to definitions. The list may be a
// whitespace separated string or a list of names; unknown names are ignored.
func Select(v any) []types.ToolDefinition {
	names := map[string]bool{}
	switch t := v.(type) {
	case string:
		for _, n := range strings.Fields(t) {
			names[n] = true
		}
	case []string:
		for _, n := range t {
			names[strings.TrimSpace(n)] = true
		}
	case []any:
		for _, n := range t {
			if s, ok := n.(string); ok {
				names[strings.TrimSpace(s)] = true
			}
		}
	}
	var out []types.ToolDefinition
	for _, d := range builtins {
		if names[SelectAll] || names[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Find returns the definition with the given name from defs.
func Find(defs []types.ToolDefinition, name string) (types.ToolDefinition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return types.ToolDefinition{}, false
}

// Call is a parsed tool-call payload.
type Call struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`

	raw string
}

// Raw returns the payload the call was parsed from.
func (c Call) Raw() string { return c.raw }

// ParseCall parses one payload collected by the Scanner.
func ParseCall(payload string) (Call, error) {
	payload = strings.TrimSpace(payload)
	var c Call
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Call{}, fmt.Errorf("parse tool call: %w", err)
	}
	if c.Name == "" {
		return Call{}, fmt.Errorf("parse tool call: missing name")
	}
	c.raw = payload
	return c, nil
}

// ScrapeArgs are the arguments of scrape_website.
type ScrapeArgs struct {
	URLs   []string `json:"urls"`
	Prompt string   `json:"prompt"`
}

// SearchArgs are the arguments of search_text.
type SearchArgs struct {
	Keywords string `json:"keywords"`
	Prompt   string `json:"prompt"`
}

// DecodeArgs unmarshals the call arguments into dst.
func (c Call) DecodeArgs(dst any) error {
	if len(c.Arguments) == 0 {
		return fmt.Errorf("%s: missing arguments", c.Name)
	}
	if err := json.Unmarshal(c.Arguments, dst); err != nil {
		return fmt.Errorf("%s arguments: %w", c.Name, err)
	}
	return nil
}
