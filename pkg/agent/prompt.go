package agent

import (
	"fmt"
	"strings"

	"github.com/strandworks/strand/pkg/memory"
)

const defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help you answer; otherwise answer directly."

// composeSystemPrompt folds retrieved memory into the base instructions.
// Hits arrive already ranked; they are quoted verbatim under a context
// heading so the model can weigh them against the live conversation.
func composeSystemPrompt(base string, hits []memory.Hit) string {
	if base == "" {
		base = defaultSystemPrompt
	}
	if len(hits) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Relevant context from memory\n")
	for _, hit := range hits {
		if hit.Tier == memory.TierGroup {
			fmt.Fprintf(&b, "- (shared) %s\n", hit.Content)
			continue
		}
		fmt.Fprintf(&b, "- %s\n", hit.Content)
	}
	return b.String()
}
