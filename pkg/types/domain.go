package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message roles understood by the orchestrator. Any other role string is
// treated as a custom role and passed through to the backend untouched.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content part types with dedicated pricing rules.
const (
	PartText  = "text"
	PartImage = "image"
	PartAudio = "audio"
	PartVideo = "video"
)

// ContentPart is one typed piece of a message. Data holds the text itself for
// text parts and base64-encoded bytes for every other type.
//
// On the wire a part is encoded as {"type": T, T: data}. Decoding also accepts
// {"type": T, "data": data}, the shape backends use for generated files.
type ContentPart struct {
	Type string
	Data string
}

// Text builds a text content part.
func Text(s string) ContentPart { return ContentPart{Type: PartText, Data: s} }

// Bytes decodes the payload of a non-text part. Text parts return the raw text.
func (p ContentPart) Bytes() ([]byte, error) {
	if p.Type == PartText {
		return []byte(p.Data), nil
	}
	b, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s part: %w", p.Type, err)
	}
	return b, nil
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	if p.Type == "" || p.Type == "type" {
		return nil, fmt.Errorf("invalid content part type %q", p.Type)
	}
	return json.Marshal(map[string]string{"type": p.Type, p.Type: p.Data})
}

func (p *ContentPart) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var typ string
	if err := json.Unmarshal(raw["type"], &typ); err != nil || typ == "" {
		return fmt.Errorf("content part without type")
	}
	data, ok := raw[typ]
	if !ok || typ == "type" {
		data, ok = raw["data"]
	}
	p.Type = typ
	p.Data = ""
	if !ok {
		return nil
	}
	return json.Unmarshal(data, &p.Data)
}

// Message is one conversation entry.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// UnmarshalJSON accepts content as either a list of parts or a plain string.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = []ContentPart{Text(s)}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

// TextContent concatenates every text part of the message.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Data
		}
	}
	return out
}

// Conversation is the ordered message list of a turn.
type Conversation []Message

// Clone returns a copy that can be mutated without touching the receiver.
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	for i, m := range c {
		out[i] = Message{Role: m.Role, Content: append([]ContentPart(nil), m.Content...)}
	}
	return out
}

// Event is one item of a backend inference stream. Every field is optional.
// Extra carries backend specific values (for example a classifier's label and
// confidence) that the orchestrator consumes opportunistically.
type Event struct {
	Text     string         `json:"text,omitempty"`
	Files    []ContentPart  `json:"files,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	// Persisted reports that the backend already appended the assistant turn
	// to the conversation it was given.
	Persisted bool `json:"persisted,omitempty"`
}

// ToolDefinition describes a tool offered to a text generation model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
