package runner

import (
	"strings"
	"testing"

	"github.com/sageloop/sage/internal/agent/ai"
)

func TestParseToolCallsFunctionShape(t *testing.T) {
	text := "I'll look that up.\n{\"function\": \"weather\", \"arguments\": {\"city\": \"Dublin\"}}"
	blocks := ParseToolCallsFromText(text)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 call, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Type != ai.BlockToolUse || b.Name != "weather" {
		t.Errorf("block wrong: %+v", b)
	}
	if !strings.Contains(string(b.Input), "Dublin") {
		t.Errorf("arguments lost: %s", b.Input)
	}
	if b.ID != "text-call-0" {
		t.Errorf("synthetic id wrong: %s", b.ID)
	}
}

func TestParseToolCallsNameShape(t *testing.T) {
	text := `{"name": "list_reminders", "input": {}}`
	blocks := ParseToolCallsFromText(text)
	if len(blocks) != 1 || blocks[0].Name != "list_reminders" {
		t.Fatalf("got %+v", blocks)
	}
}

func TestParseToolCallsFencedJSON(t *testing.T) {
	text := "Here you go:\n```json\n{\"function\": \"current_time\", \"arguments\": {}}\n```"
	blocks := ParseToolCallsFromText(text)
	if len(blocks) != 1 || blocks[0].Name != "current_time" {
		t.Fatalf("fenced call not parsed: %+v", blocks)
	}
}

func TestParseToolCallsFencedNotDoubled(t *testing.T) {
	// A one-line object inside a fence must not also match the bare-line
	// scan; a duplicate block would run the skill twice.
	text := "Let me check.\n```json\n{\"name\": \"weather\", \"input\": {\"city\": \"Dublin\"}}\n```"
	blocks := ParseToolCallsFromText(text)
	if len(blocks) != 1 {
		t.Fatalf("one fenced call must parse to one block, got %d", len(blocks))
	}
	if blocks[0].Name != "weather" {
		t.Errorf("got %+v", blocks[0])
	}

	mixed := "```json\n{\"function\": \"a\", \"arguments\": {}}\n```\n{\"function\": \"b\", \"arguments\": {}}"
	blocks = ParseToolCallsFromText(mixed)
	if len(blocks) != 2 || blocks[0].Name != "a" || blocks[1].Name != "b" {
		t.Fatalf("fenced plus bare must stay distinct: %+v", blocks)
	}
}

func TestParseToolCallsDoubleEncodedArgs(t *testing.T) {
	text := `{"function": "weather", "arguments": "{\"city\": \"Cork\"}"}`
	blocks := ParseToolCallsFromText(text)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks", len(blocks))
	}
	if !strings.Contains(string(blocks[0].Input), "Cork") {
		t.Errorf("double-encoded arguments not unwrapped: %s", blocks[0].Input)
	}
	if strings.HasPrefix(string(blocks[0].Input), `"`) {
		t.Errorf("input still a JSON string: %s", blocks[0].Input)
	}
}

func TestParseToolCallsPlainText(t *testing.T) {
	if blocks := ParseToolCallsFromText("Just a normal sentence about {braces} in prose."); blocks != nil {
		t.Errorf("plain text must yield no calls: %+v", blocks)
	}
}

func TestCleanAssistantText(t *testing.T) {
	text := "Let me check.\n{\"function\": \"weather\", \"arguments\": {}}\nOne moment."
	got := CleanAssistantText(text)
	if strings.Contains(got, "function") {
		t.Errorf("tool-call line survived: %q", got)
	}
	if !strings.Contains(got, "Let me check.") || !strings.Contains(got, "One moment.") {
		t.Errorf("prose lost: %q", got)
	}

	fenced := "Before.\n```json\n{\"name\": \"x\", \"input\": {}}\n```\nAfter."
	got = CleanAssistantText(fenced)
	if strings.Contains(got, "input") {
		t.Errorf("fenced JSON survived: %q", got)
	}
}
