package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/db"
)

// Marker content emitted by repeated identical tool outputs.
const identicalOutputMarker = "[Identical to previous output]"

// How many messages an emergency-compressed retry keeps.
const emergencyTail = 3

// BuildWindow shapes the raw ordered session messages for the provider:
// the last verbatimTurns messages pass through untouched, older ones
// collapse into one synthetic digest message. Message order and
// tool_use/tool_result pairing are never altered.
func BuildWindow(messages []db.Message, verbatimTurns, digestBudget int) []ai.Message {
	converted := make([]ai.Message, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, toProviderMessage(m))
	}
	converted = coalesceIdenticalResults(converted)

	if verbatimTurns <= 0 || len(converted) <= verbatimTurns {
		return converted
	}

	older := converted[:len(converted)-verbatimTurns]
	recent := converted[len(converted)-verbatimTurns:]

	// Tool results at the head of the verbatim window need their
	// tool_use partner; extend the window backwards rather than split
	// a pair.
	for len(older) > 0 && startsWithToolResult(recent) {
		recent = append([]ai.Message{older[len(older)-1]}, recent...)
		older = older[:len(older)-1]
	}
	if len(older) == 0 {
		return recent
	}

	digest := digestMessages(older, digestBudget)
	out := make([]ai.Message, 0, len(recent)+1)
	out = append(out, ai.Message{Role: "user", Content: digest})
	out = append(out, recent...)
	return out
}

// EmergencyCompress keeps only the last three messages. Used once per
// turn when the provider signals context overflow.
func EmergencyCompress(messages []ai.Message) []ai.Message {
	if len(messages) <= emergencyTail {
		return messages
	}
	tail := messages[len(messages)-emergencyTail:]
	for startsWithToolResult(tail) && len(tail) < len(messages) {
		tail = messages[len(messages)-len(tail)-1:]
	}
	return tail
}

func toProviderMessage(m db.Message) ai.Message {
	out := ai.Message{Role: m.Role, Content: m.Content}
	if len(m.Blocks) > 0 {
		var blocks []ai.ContentBlock
		if err := json.Unmarshal(m.Blocks, &blocks); err == nil && len(blocks) > 0 {
			out.Blocks = blocks
			out.Content = ""
		}
	}
	return out
}

func startsWithToolResult(messages []ai.Message) bool {
	if len(messages) == 0 || len(messages[0].Blocks) == 0 {
		return false
	}
	return messages[0].Blocks[0].Type == ai.BlockToolResult
}

// coalesceIdenticalResults drops consecutive tool_result blocks whose
// content is the identical-output marker, keeping the first.
func coalesceIdenticalResults(messages []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(messages))
	prevWasMarker := false
	for _, m := range messages {
		if len(m.Blocks) == 0 {
			out = append(out, m)
			prevWasMarker = false
			continue
		}
		var kept []ai.ContentBlock
		for _, b := range m.Blocks {
			if b.Type == ai.BlockToolResult && b.Content == identicalOutputMarker {
				if prevWasMarker {
					continue
				}
				prevWasMarker = true
			} else {
				prevWasMarker = false
			}
			kept = append(kept, b)
		}
		if len(kept) > 0 {
			m.Blocks = kept
			out = append(out, m)
		}
	}
	return out
}

// digestMessages renders older turns into one bounded plain-text block.
func digestMessages(older []ai.Message, budget int) string {
	if budget <= 0 {
		budget = 2000
	}
	var sb strings.Builder
	sb.WriteString("Summary of earlier conversation (oldest first):\n")
	for _, m := range older {
		text := m.Content
		if text == "" {
			text = blocksText(m.Blocks)
		}
		if text == "" {
			continue
		}
		if len(text) > 160 {
			text = text[:160] + "..."
		}
		line := fmt.Sprintf("[%s] %s\n", m.Role, text)
		if sb.Len()+len(line) > budget {
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func blocksText(blocks []ai.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case ai.BlockText:
			parts = append(parts, b.Text)
		case ai.BlockToolUse:
			parts = append(parts, "(used tool "+b.Name+")")
		case ai.BlockToolResult:
			parts = append(parts, "(tool output)")
		}
	}
	return strings.Join(parts, " ")
}
