package runner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sageloop/sage/internal/agent/ai"
)

// Some models emit tool calls as JSON inside the text body instead of
// structured tool_use blocks. Two shapes occur in the wild:
//
//	{"function": "weather", "arguments": {"city": "Dublin"}}
//	{"name": "weather", "input": {"city": "Dublin"}}

type functionCall struct {
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
}

type nameCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseToolCallsFromText scans assistant text for JSON tool calls.
// Returns nil when the text holds none.
func ParseToolCallsFromText(text string) []ai.ContentBlock {
	var blocks []ai.ContentBlock
	seq := 0
	for _, candidate := range jsonCandidates(text) {
		var fc functionCall
		if err := json.Unmarshal([]byte(candidate), &fc); err == nil && fc.Function != "" {
			blocks = append(blocks, ai.ToolUseBlock(syntheticID(seq), fc.Function, normalizeArgs(fc.Arguments)))
			seq++
			continue
		}
		var nc nameCall
		if err := json.Unmarshal([]byte(candidate), &nc); err == nil && nc.Name != "" && len(nc.Input) > 0 {
			blocks = append(blocks, ai.ToolUseBlock(syntheticID(seq), nc.Name, normalizeArgs(nc.Input)))
			seq++
		}
	}
	return blocks
}

// CleanAssistantText strips JSON tool-call blocks and fenced JSON from
// assistant text before it is shown as a progress event.
func CleanAssistantText(text string) string {
	text = fencedJSONRe.ReplaceAllString(text, "")
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && looksLikeToolCall(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func looksLikeToolCall(candidate string) bool {
	var fc functionCall
	if err := json.Unmarshal([]byte(candidate), &fc); err == nil && fc.Function != "" {
		return true
	}
	var nc nameCall
	if err := json.Unmarshal([]byte(candidate), &nc); err == nil && nc.Name != "" && len(nc.Input) > 0 {
		return true
	}
	return false
}

// jsonCandidates yields fenced JSON blocks plus bare single-line objects.
// Fenced regions are removed before the line scan so a one-line fenced
// call is not collected twice.
func jsonCandidates(text string) []string {
	var out []string
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	for _, line := range strings.Split(fencedJSONRe.ReplaceAllString(text, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	// Arguments may arrive double-encoded as a JSON string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
		return json.RawMessage(`{}`)
	}
	return raw
}

func syntheticID(seq int) string {
	return fmt.Sprintf("text-call-%d", seq)
}
