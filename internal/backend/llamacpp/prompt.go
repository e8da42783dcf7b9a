// Package llamacpp runs GGUF models in process through go-llama.cpp. Builds
// without the "llama" tag get a stub whose loads fail with a dependency error.
package llamacpp

import (
	"strings"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

const (
	imStart = "<|im_start|>"
	imEnd   = "<|im_end|>"
)

// chatPrompt renders a conversation in ChatML, ending with an open assistant
// turn. Non-text parts are skipped.
func chatPrompt(conv types.Conversation, tools []types.ToolDefinition) string {
	var b strings.Builder
	if len(tools) > 0 {
		b.WriteString(imStart + "system\nYou can call these tools by replying with <tool_call>{\"name\": ..., \"arguments\": {...}}</tool_call>:\n")
		for _, t := range tools {
			b.WriteString("- " + t.Name + ": " + t.Description + "\n")
		}
		b.WriteString(imEnd + "\n")
	}
	for _, m := range conv {
		b.WriteString(imStart + m.Role + "\n")
		b.WriteString(m.TextContent())
		b.WriteString(imEnd + "\n")
	}
	b.WriteString(imStart + "assistant\n")
	return b.String()
}

type predictParams struct {
	tokens      int
	threads     int
	topP        float32
	topK        int
	temperature float32
	penalty     float32
	seed        int
	stop        []string
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictFrom maps resolved sampling onto llama options, keeping library
// defaults for unset values.
func predictFrom(cfg backend.Sampling, threads int, defTopP float32, defTopK int, defTemp, defPenalty float32) predictParams {
	return predictParams{
		tokens:      max(1, cfg.MaxLength),
		threads:     max(1, threads),
		topP:        zf(float32(cfg.TopP), defTopP),
		topK:        zn(cfg.TopK, defTopK),
		temperature: zf(float32(cfg.Temperature), defTemp),
		penalty:     zf(float32(cfg.RepeatPenalty), defPenalty),
		seed:        cfg.Seed,
		stop:        []string{imEnd},
	}
}
