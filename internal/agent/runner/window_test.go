package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/db"
)

func textMsg(role, content string) db.Message {
	return db.Message{Role: role, Content: content}
}

func blockMsg(role string, blocks ...ai.ContentBlock) db.Message {
	raw, _ := json.Marshal(blocks)
	return db.Message{Role: role, Blocks: raw}
}

func TestBuildWindowPassthrough(t *testing.T) {
	msgs := []db.Message{
		textMsg("user", "hello"),
		textMsg("assistant", "hi there"),
	}
	out := BuildWindow(msgs, 10, 2000)
	if len(out) != 2 {
		t.Fatalf("short history must pass through, got %d", len(out))
	}
	if out[0].Content != "hello" || out[1].Content != "hi there" {
		t.Errorf("content altered: %+v", out)
	}
}

func TestBuildWindowDigestsOlder(t *testing.T) {
	var msgs []db.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, textMsg("user", fmt.Sprintf("question %d", i)))
		msgs = append(msgs, textMsg("assistant", fmt.Sprintf("answer %d", i)))
	}
	out := BuildWindow(msgs, 4, 2000)
	if len(out) != 5 {
		t.Fatalf("expected digest + 4 verbatim, got %d", len(out))
	}
	digest := out[0]
	if digest.Role != "user" || !strings.HasPrefix(digest.Content, "Summary of earlier conversation") {
		t.Errorf("digest wrong: %+v", digest)
	}
	if !strings.Contains(digest.Content, "question 0") {
		t.Error("digest must be oldest first")
	}
	if out[4].Content != "answer 9" {
		t.Errorf("verbatim tail wrong: %q", out[4].Content)
	}
}

func TestBuildWindowKeepsToolPairing(t *testing.T) {
	msgs := []db.Message{
		textMsg("user", "old question"),
		textMsg("assistant", "old answer"),
		textMsg("user", "check the weather"),
		blockMsg("assistant", ai.ToolUseBlock("t1", "weather", json.RawMessage(`{}`))),
		blockMsg("user", ai.ToolResultBlock("t1", "sunny", false)),
		textMsg("assistant", "it's sunny"),
	}
	// A verbatim window of 2 would start at the tool_result; the window
	// must extend back to include its tool_use.
	out := BuildWindow(msgs, 2, 2000)
	var verbatim []ai.Message
	for _, m := range out {
		if !strings.HasPrefix(m.Content, "Summary of earlier") {
			verbatim = append(verbatim, m)
		}
	}
	if startsWithToolResult(verbatim) {
		t.Fatal("window must never open on an orphaned tool_result")
	}
	if len(verbatim[0].Blocks) == 0 || verbatim[0].Blocks[0].Type != ai.BlockToolUse {
		t.Errorf("expected window to open on the tool_use, got %+v", verbatim[0])
	}
}

func TestBuildWindowDigestTruncatesEntries(t *testing.T) {
	long := strings.Repeat("x", 500)
	msgs := []db.Message{
		textMsg("user", long),
		textMsg("assistant", "short"),
		textMsg("user", "recent one"),
		textMsg("assistant", "recent two"),
	}
	out := BuildWindow(msgs, 2, 2000)
	digest := out[0].Content
	if strings.Contains(digest, long) {
		t.Error("digest entries must be truncated")
	}
	if !strings.Contains(digest, "...") {
		t.Error("truncated entry must carry an ellipsis")
	}
}

func TestCoalesceIdenticalResults(t *testing.T) {
	msgs := []db.Message{
		blockMsg("user", ai.ToolResultBlock("t1", identicalOutputMarker, false)),
		blockMsg("user", ai.ToolResultBlock("t2", identicalOutputMarker, false)),
		blockMsg("user", ai.ToolResultBlock("t3", "different", false)),
	}
	out := BuildWindow(msgs, 0, 0)
	markers := 0
	for _, m := range out {
		for _, b := range m.Blocks {
			if b.Content == identicalOutputMarker {
				markers++
			}
		}
	}
	if markers != 1 {
		t.Errorf("consecutive markers must coalesce to one, got %d", markers)
	}
}

func TestEmergencyCompress(t *testing.T) {
	var msgs []ai.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, ai.Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	out := EmergencyCompress(msgs)
	if len(out) != emergencyTail {
		t.Fatalf("expected %d messages, got %d", emergencyTail, len(out))
	}
	if out[len(out)-1].Content != "m9" {
		t.Error("must keep the newest messages")
	}

	short := msgs[:2]
	if len(EmergencyCompress(short)) != 2 {
		t.Error("short histories pass through")
	}
}

func TestEmergencyCompressExtendsForToolResult(t *testing.T) {
	msgs := []ai.Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "thinking"},
		{Role: "assistant", Blocks: []ai.ContentBlock{ai.ToolUseBlock("t1", "weather", json.RawMessage(`{}`))}},
		{Role: "user", Blocks: []ai.ContentBlock{ai.ToolResultBlock("t1", "sunny", false)}},
		{Role: "assistant", Content: "a"},
		{Role: "user", Content: "next"},
	}
	out := EmergencyCompress(msgs)
	if startsWithToolResult(out) {
		t.Fatal("compressed window must not open on a tool_result")
	}
}
