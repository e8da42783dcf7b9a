package llamacpp

import (
	"strings"
	"testing"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

func TestChatPrompt(t *testing.T) {
	conv := types.Conversation{
		{Role: types.RoleSystem, Content: []types.ContentPart{types.Text("be brief")}},
		{Role: types.RoleUser, Content: []types.ContentPart{types.Text("hi"), {Type: types.PartImage, Data: "AA=="}}},
	}
	got := chatPrompt(conv, nil)
	want := "<|im_start|>system\nbe brief<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	if got != want {
		t.Fatalf("prompt = %q", got)
	}
	withTools := chatPrompt(conv, []types.ToolDefinition{{Name: "scrape_website", Description: "Scrapes websites"}})
	if !strings.Contains(withTools, "- scrape_website: Scrapes websites") {
		t.Fatalf("tools not rendered: %q", withTools)
	}
}

func TestPredictFrom_Defaults(t *testing.T) {
	pp := predictFrom(backend.Sampling{TopK: 5, Seed: -1}, 0, 0.9, 40, 0.8, 1.1)
	if pp.tokens != 1 || pp.threads != 1 || pp.topP != 0.9 || pp.topK != 5 || pp.temperature != 0.8 || pp.penalty != 1.1 {
		t.Fatalf("params = %+v", pp)
	}
	if len(pp.stop) != 1 || pp.stop[0] != imEnd {
		t.Fatalf("stop = %v", pp.stop)
	}
}
