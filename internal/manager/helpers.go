package manager

import (
	"fmt"
	"sort"

	"inferd/internal/config"
	"inferd/pkg/types"
)

func sortedModels(models map[string]config.ModelConfig) []string {
	out := make([]string, 0, len(models))
	for n := range models {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// dropUnsupported removes the parts a model does not accept and returns one
// warning per removed part.
func dropUnsupported(conv types.Conversation, mc config.ModelConfig) (types.Conversation, []string) {
	var warnings []string
	out := make(types.Conversation, 0, len(conv))
	for i, msg := range conv {
		kept := make([]types.ContentPart, 0, len(msg.Content))
		for _, p := range msg.Content {
			if mc.Accepts(p.Type) {
				kept = append(kept, p)
				continue
			}
			warnings = append(warnings, fmt.Sprintf("Content type %q in message %d is not supported by this model and was ignored.", p.Type, i))
		}
		msg.Content = kept
		out = append(out, msg)
	}
	return out, warnings
}

func ticketRef(t int64) *int64 { return &t }
