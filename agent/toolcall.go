package agent

import (
	"encoding/json"
	"strings"
)

// toolCall is the shape the model uses to request a tool invocation inside
// its response text: a fenced block tagged "tool" containing a JSON object.
type toolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

const toolFence = "```tool"

// parseToolCall extracts the first tool request from a completed response.
// It returns the surrounding text with the block removed so the
// conversational part can still be shown.
func parseToolCall(text string) (toolCall, string, bool) {
	start := strings.Index(text, toolFence)
	if start < 0 {
		return toolCall{}, text, false
	}
	rest := text[start+len(toolFence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return toolCall{}, text, false
	}

	var call toolCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &call); err != nil || call.Tool == "" {
		return toolCall{}, text, false
	}

	remainder := strings.TrimSpace(text[:start] + rest[end+3:])
	return call, remainder, true
}
