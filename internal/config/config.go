// Package config defines the server configuration schema, its defaults and
// the file and environment loaders.
package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"inferd/internal/keys"
	"inferd/internal/metering"
)

// ServerVersion is the protocol version spoken by this server.
const ServerVersion = 170000

// Transfer rate bounds in KiB per frame.
const (
	MinTransferRate = 1
	MaxTransferRate = 8192
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr          string                   `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel      string                   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string                   `json:"log_format" yaml:"log_format" toml:"log_format"`
	TransferRate  int                      `json:"transfer_rate" yaml:"transfer_rate" toml:"transfer_rate"`
	TOSFile       string                   `json:"tos_file" yaml:"tos_file" toml:"tos_file"`
	ClientVersion ClientVersion            `json:"client_version" yaml:"client_version" toml:"client_version"`
	Encryption    Encryption               `json:"encryption" yaml:"encryption" toml:"encryption"`
	Whitelist     IPList                   `json:"whitelist" yaml:"whitelist" toml:"whitelist"`
	Blacklist     IPList                   `json:"blacklist" yaml:"blacklist" toml:"blacklist"`
	APIKeys       APIKeys                  `json:"api_keys" yaml:"api_keys" toml:"api_keys"`
	RateLimit     RateLimit                `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Filters       Filters                  `json:"filters" yaml:"filters" toml:"filters"`
	Events        Events                   `json:"events" yaml:"events" toml:"events"`
	CORS          CORS                     `json:"cors" yaml:"cors" toml:"cors"`
	Services      map[string]ServiceConfig `json:"services" yaml:"services" toml:"services"`
	Models        map[string]ModelConfig   `json:"models" yaml:"models" toml:"models"`
}

// ClientVersion is the accepted client version range. Unset bounds mean the
// server version.
type ClientVersion struct {
	Min           *int `json:"min,omitempty" yaml:"min,omitempty" toml:"min,omitempty"`
	Max           *int `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
	AcceptUnknown bool `json:"accept_unknown" yaml:"accept_unknown" toml:"accept_unknown"`
}

// Bounds returns the effective [min, max] range.
func (v ClientVersion) Bounds() (int, int) {
	lo, hi := ServerVersion, ServerVersion
	if v.Min != nil {
		lo = *v.Min
	}
	if v.Max != nil {
		hi = *v.Max
	}
	return lo, hi
}

// DeprecatedHashWarning is the default warning text for hash.
func DeprecatedHashWarning(hash string) string {
	return fmt.Sprintf("Hash %s is deprecated and may stop being accepted in a future version.", hash)
}

type Encryption struct {
	PublicKeyFile      string   `json:"public_key_file" yaml:"public_key_file" toml:"public_key_file"`
	PrivateKeyFile     string   `json:"private_key_file" yaml:"private_key_file" toml:"private_key_file"`
	PrivateKeyPassword string   `json:"private_key_password" yaml:"private_key_password" toml:"private_key_password"`
	KeySize            int      `json:"key_size" yaml:"key_size" toml:"key_size"`
	DecryptionThreads  int      `json:"decryption_threads" yaml:"decryption_threads" toml:"decryption_threads"`
	AllowedHashes      []string `json:"allowed_hashes" yaml:"allowed_hashes" toml:"allowed_hashes"`
	// HashWarnings maps an accepted but deprecated hash to the warning sent
	// before the request is processed. An empty message uses
	// DeprecatedHashWarning.
	HashWarnings      map[string]string `json:"hash_warnings" yaml:"hash_warnings" toml:"hash_warnings"`
	ForceResponseHash string            `json:"force_response_hash" yaml:"force_response_hash" toml:"force_response_hash"`
	Obfuscate         bool              `json:"obfuscate" yaml:"obfuscate" toml:"obfuscate"`
}

type IPList struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	IPs     []string `json:"ips" yaml:"ips" toml:"ips"`
}

type APIKeys struct {
	// Store is "file" or "sql".
	Store         string   `json:"store" yaml:"store" toml:"store"`
	Dir           string   `json:"dir" yaml:"dir" toml:"dir"`
	Driver        string   `json:"driver" yaml:"driver" toml:"driver"`
	DSN           string   `json:"dsn" yaml:"dsn" toml:"dsn"`
	MinLength     int      `json:"min_length" yaml:"min_length" toml:"min_length"`
	MaxLength     int      `json:"max_length" yaml:"max_length" toml:"max_length"`
	DefaultGroups []string `json:"default_groups" yaml:"default_groups" toml:"default_groups"`
	AdminGroups   []string `json:"admin_groups" yaml:"admin_groups" toml:"admin_groups"`
}

type RateLimit struct {
	// Backend is "none", "memory" or "redis".
	Backend           string `json:"backend" yaml:"backend" toml:"backend"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	RedisURL          string `json:"redis_url" yaml:"redis_url" toml:"redis_url"`
}

// FilterRule configures the classifier used for one modality.
type FilterRule struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Model   string `json:"model" yaml:"model" toml:"model"`
	Label   string `json:"label" yaml:"label" toml:"label"`
	// Threshold is a confidence on a 0-100 scale.
	Threshold float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	Action    string  `json:"action" yaml:"action" toml:"action"`
}

type Filters struct {
	Enabled bool       `json:"enabled" yaml:"enabled" toml:"enabled"`
	Text    FilterRule `json:"text" yaml:"text" toml:"text"`
	Image   FilterRule `json:"image" yaml:"image" toml:"image"`
	Audio   FilterRule `json:"audio" yaml:"audio" toml:"audio"`
}

// Modality pairs a content part type with its filter rule.
type Modality struct {
	Part string
	Rule FilterRule
}

// EnabledRules returns the enabled rules in evaluation order.
func (f Filters) EnabledRules() []Modality {
	if !f.Enabled {
		return nil
	}
	var out []Modality
	for _, m := range []Modality{{"text", f.Text}, {"image", f.Image}, {"audio", f.Audio}} {
		if m.Rule.Enabled && m.Rule.Model != "" {
			out = append(out, m)
		}
	}
	return out
}

type Events struct {
	NATSURL string `json:"nats_url" yaml:"nats_url" toml:"nats_url"`
	Subject string `json:"subject" yaml:"subject" toml:"subject"`
}

type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
}

// Knob is a service-level default for one sampling option.
type Knob struct {
	Default                 any  `json:"default" yaml:"default" toml:"default"`
	ModifiedByUser          bool `json:"modified_by_user" yaml:"modified_by_user" toml:"modified_by_user"`
	AllowGreaterThanDefault bool `json:"allow_greater_than_default,omitempty" yaml:"allow_greater_than_default,omitempty" toml:"allow_greater_than_default,omitempty"`
}

// ServiceConfig configures one inference service (chatbot, imgclass, tts...).
type ServiceConfig struct {
	// Backend selects the implementation: "openai", "worker" or "llamacpp".
	Backend        string          `json:"backend" yaml:"backend" toml:"backend"`
	ToolStartToken string          `json:"tool_start_token,omitempty" yaml:"tool_start_token,omitempty" toml:"tool_start_token,omitempty"`
	ToolEndToken   string          `json:"tool_end_token,omitempty" yaml:"tool_end_token,omitempty" toml:"tool_end_token,omitempty"`
	Defaults       map[string]Knob `json:"defaults" yaml:"defaults" toml:"defaults"`
}

// ModelConfig configures one model. Keys starting with "_" are private and
// never returned to clients.
type ModelConfig struct {
	Service        string                `json:"service" yaml:"service" toml:"service"`
	Description    string                `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	MaxSimulUsers  int                   `json:"max_simul_users" yaml:"max_simul_users" toml:"max_simul_users"`
	Ctx            int                   `json:"ctx,omitempty" yaml:"ctx,omitempty" toml:"ctx,omitempty"`
	Multimodal     []string              `json:"multimodal,omitempty" yaml:"multimodal,omitempty" toml:"multimodal,omitempty"`
	Pricing        metering.PricingTable `json:"pricing" yaml:"pricing" toml:"pricing"`
	DisableFilters bool                  `json:"disable_filters,omitempty" yaml:"disable_filters,omitempty" toml:"disable_filters,omitempty"`
	ToolStartToken string                `json:"tool_start_token,omitempty" yaml:"tool_start_token,omitempty" toml:"tool_start_token,omitempty"`
	ToolEndToken   string                `json:"tool_end_token,omitempty" yaml:"tool_end_token,omitempty" toml:"tool_end_token,omitempty"`
	// Defaults are model-level sampling values (temperature, tools, ...).
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty" toml:"defaults,omitempty"`

	Endpoint    string         `json:"_endpoint,omitempty" yaml:"_endpoint,omitempty" toml:"_endpoint,omitempty"`
	APIKey      string         `json:"_api_key,omitempty" yaml:"_api_key,omitempty" toml:"_api_key,omitempty"`
	RemoteModel string         `json:"_model,omitempty" yaml:"_model,omitempty" toml:"_model,omitempty"`
	Path        string         `json:"_path,omitempty" yaml:"_path,omitempty" toml:"_path,omitempty"`
	Threads     int            `json:"_threads,omitempty" yaml:"_threads,omitempty" toml:"_threads,omitempty"`
	GPULayers   int            `json:"_gpu_layers,omitempty" yaml:"_gpu_layers,omitempty" toml:"_gpu_layers,omitempty"`
	Options     map[string]any `json:"_options,omitempty" yaml:"_options,omitempty" toml:"_options,omitempty"`
}

// Accepts reports whether the model takes content parts of type part. Models
// without a multimodal list accept text only.
func (m ModelConfig) Accepts(part string) bool {
	if len(m.Multimodal) == 0 {
		return part == "text"
	}
	return slices.Contains(m.Multimodal, part)
}

// Public returns the model configuration as a generic map with every key that
// starts with "_" removed at any depth.
func (m ModelConfig) Public() (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	StripPrivate(out)
	return out, nil
}

// StripPrivate removes keys with a leading underscore from v recursively.
func StripPrivate(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if strings.HasPrefix(k, "_") {
				delete(t, k)
				continue
			}
			StripPrivate(child)
		}
	case []any:
		for _, child := range t {
			StripPrivate(child)
		}
	}
}

// Validate checks model entries and reports the first inconsistency.
func (c Config) Validate() error {
	for name, m := range c.Models {
		if m.Service == "" {
			return fmt.Errorf("model %q: missing service", name)
		}
		if _, ok := c.Services[m.Service]; !ok {
			return fmt.Errorf("model %q: unknown service %q", name, m.Service)
		}
	}
	return nil
}

// Normalize clamps out-of-range values and returns a warning for each
// adjustment.
func (c *Config) Normalize() []string {
	var warnings []string
	if c.TransferRate < MinTransferRate || c.TransferRate > MaxTransferRate {
		clamped := min(max(c.TransferRate, MinTransferRate), MaxTransferRate)
		warnings = append(warnings, fmt.Sprintf("transfer_rate %d out of range; using %d", c.TransferRate, clamped))
		c.TransferRate = clamped
	}
	if lo, hi := keys.ClampLengths(c.APIKeys.MinLength, c.APIKeys.MaxLength); lo != c.APIKeys.MinLength || hi != c.APIKeys.MaxLength {
		if c.APIKeys.MaxLength != 0 || lo != c.APIKeys.MinLength {
			warnings = append(warnings, fmt.Sprintf("api_keys length range [%d, %d] out of bounds; using [%d, %d]",
				c.APIKeys.MinLength, c.APIKeys.MaxLength, lo, hi))
		}
		c.APIKeys.MinLength, c.APIKeys.MaxLength = lo, hi
	}
	if c.Encryption.DecryptionThreads < 1 {
		c.Encryption.DecryptionThreads = 1
	}
	if len(c.Encryption.AllowedHashes) == 0 {
		c.Encryption.AllowedHashes = []string{"sha256", "sha384", "sha512"}
	}
	for name, m := range c.Models {
		if m.MaxSimulUsers < 1 {
			warnings = append(warnings, fmt.Sprintf("model %q: max_simul_users not set; using 1", name))
			m.MaxSimulUsers = 1
			c.Models[name] = m
		}
	}
	return warnings
}

// TransferRateBytes is the frame size in bytes.
func (c Config) TransferRateBytes() int { return c.TransferRate * 1024 }

// Default returns the built-in configuration every file is merged onto.
func Default() Config {
	return Config{
		Addr:         ":8060",
		LogLevel:     "info",
		LogFormat:    "json",
		TransferRate: 8192,
		Encryption: Encryption{
			PublicKeyFile:     "keys/public.pem",
			PrivateKeyFile:    "keys/private.pem",
			KeySize:           8192,
			DecryptionThreads: 4,
			AllowedHashes:     []string{"sha224", "sha256", "sha384", "sha512"},
			HashWarnings:      map[string]string{"sha224": DeprecatedHashWarning("sha224")},
		},
		APIKeys: APIKeys{
			Store:         "file",
			Dir:           "api_keys",
			Driver:        "sqlite",
			MinLength:     32,
			MaxLength:     64,
			DefaultGroups: []string{"users"},
			AdminGroups:   []string{"admin"},
		},
		RateLimit: RateLimit{Backend: "memory", RequestsPerMinute: 120},
		Events:    Events{Subject: "inferd.events"},
		Services: map[string]ServiceConfig{
			"chatbot": {
				Backend: "openai",
				Defaults: map[string]Knob{
					"temperature":       {Default: 0.7, ModifiedByUser: true},
					"top_p":             {Default: 0.95, ModifiedByUser: true},
					"top_k":             {Default: 40, ModifiedByUser: true},
					"min_p":             {Default: 0.05, ModifiedByUser: true},
					"typical_p":         {Default: 1.0, ModifiedByUser: true},
					"seed":              {Default: -1, ModifiedByUser: true},
					"presence_penalty":  {Default: 0.0, ModifiedByUser: true},
					"frequency_penalty": {Default: 0.0, ModifiedByUser: true},
					"repeat_penalty":    {Default: 1.0, ModifiedByUser: true},
					"tools":             {Default: "", ModifiedByUser: true},
					"tool_choice":       {Default: "auto", ModifiedByUser: true},
					"max_length":        {Default: 4096, ModifiedByUser: true},
				},
			},
			"imgclass": {Backend: "worker"},
			"stt":      {Backend: "worker"},
			"tts":      {Backend: "worker"},
			"musicgen": {Backend: "worker"},
		},
		Models: map[string]ModelConfig{},
	}
}
