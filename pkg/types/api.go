package types

import "encoding/json"

// RequestEnvelope is the outer JSON object a client sends for every
// non-control message.
type RequestEnvelope struct {
	// Base64 ciphertext produced by the hybrid envelope scheme.
	Content string `json:"content"`
	// Hash algorithm used for OAEP (sha1, sha224, sha256, sha384, sha512).
	Hash string `json:"hash"`
	// Base64 PEM public key the server encrypts responses to.
	PublicKey string `json:"public_key"`
	// Client protocol version. Absent means unknown (-1).
	Version *int `json:"version,omitempty"`
}

// ClientVersion returns the declared version or -1 when absent.
func (e RequestEnvelope) ClientVersion() int {
	if e.Version == nil {
		return -1
	}
	return *e.Version
}

// ResponseEnvelope wraps every response frame sequence.
type ResponseEnvelope struct {
	// Base64 ciphertext, or plain JSON when the hash is "none".
	Data string `json:"data"`
	Hash string `json:"hash"`
}

// Prompt is the conversation plus caller supplied sampling parameters.
type Prompt struct {
	Conversation Conversation   `json:"conversation"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// RequestPayload is the decrypted content of a RequestEnvelope.
type RequestPayload struct {
	ModelName      string         `json:"model_name"`
	Service        string         `json:"service"`
	Key            string         `json:"key"`
	Prompt         Prompt         `json:"prompt"`
	UserParameters map[string]any `json:"user_parameters,omitempty"`
}

// Request services accepted by the connection handler.
const (
	ServiceInference       = "inference"
	ServiceQueueData       = "get_queue_data"
	ServiceModelInfo       = "get_model_info"
	ServiceAvailableModels = "get_available_models"
)

// ResponseBody is the generated content of a streamed event. Extra fields are
// flattened next to text and files on the wire.
type ResponseBody struct {
	Text  string
	Files []ContentPart
	Extra map[string]any
}

func (b ResponseBody) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Extra)+2)
	for k, v := range b.Extra {
		out[k] = v
	}
	out["text"] = b.Text
	files := b.Files
	if files == nil {
		files = []ContentPart{}
	}
	out["files"] = files
	return json.Marshal(out)
}

func (b *ResponseBody) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = ResponseBody{}
	if v, ok := raw["text"]; ok {
		if err := json.Unmarshal(v, &b.Text); err != nil {
			return err
		}
		delete(raw, "text")
	}
	if v, ok := raw["files"]; ok {
		if err := json.Unmarshal(v, &b.Files); err != nil {
			return err
		}
		delete(raw, "files")
	}
	for k, v := range raw {
		var anyv any
		if err := json.Unmarshal(v, &anyv); err != nil {
			return err
		}
		if b.Extra == nil {
			b.Extra = make(map[string]any)
		}
		b.Extra[k] = anyv
	}
	return nil
}

// Response is the decrypted payload of one response envelope.
type Response struct {
	Response *ResponseBody `json:"response,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	// Admission ticket of the request that produced this event.
	Ticket *int64 `json:"ticket,omitempty"`
	// Full conversation after the turn; set on the terminal inference event.
	ConversationResult Conversation `json:"conversation_result,omitempty"`
	// Result of a non-inference service (queue data, model info, model list).
	Result any `json:"result,omitempty"`
	// Obfuscate is random filler added to encrypted responses.
	Obfuscate string `json:"obfuscate,omitempty"`
	Ended     bool   `json:"ended,omitempty"`
}

// QueueStatus describes one model admission queue.
type QueueStatus struct {
	Model           string   `json:"model"`
	UsersWaiting    int      `json:"users_waiting"`
	UsersProcessing int      `json:"users_processing"`
	MaxConcurrent   int      `json:"max_concurrent"`
	TokensPerSecond *float64 `json:"tokens_per_second"`
	FirstTokenSec   *float64 `json:"first_token_seconds"`
}

// ModelSummary is one entry of get_available_models.
type ModelSummary struct {
	Name    string `json:"name"`
	Service string `json:"service"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Queues         []QueueStatus  `json:"queues"`
	Models         []ModelSummary `json:"models"`
	Services       []string       `json:"services"`
	Connections    int            `json:"connections"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	ServerTimeUnix int64          `json:"server_time_unix"`
	ServerVersion  int            `json:"server_version"`
}

// ErrorResponse is a consistent JSON error payload for the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
