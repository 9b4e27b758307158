package db

import (
	"encoding/json"
	"testing"
)

func TestSessionGetOrCreate(t *testing.T) {
	store := openTestStore(t)
	mgr := NewSessionManager(store)

	sess, err := mgr.GetOrCreate("telegram-main")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	again, err := mgr.GetOrCreate("telegram-main")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != sess.ID {
		t.Error("GetOrCreate must return the existing session for a known key")
	}

	missing, err := mgr.Get("unknown-id")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown session id")
	}
}

func TestAppendAndGetMessagesOrdered(t *testing.T) {
	store := openTestStore(t)
	mgr := NewSessionManager(store)
	sess, _ := mgr.GetOrCreate("s")

	for _, text := range []string{"first", "second", "third"} {
		if err := mgr.AppendMessage(sess.ID, Message{Role: "user", Content: text}); err != nil {
			t.Fatal(err)
		}
	}
	// Empty messages are skipped silently.
	if err := mgr.AppendMessage(sess.ID, Message{Role: "assistant"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := mgr.GetMessages(sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Errorf("message %d: expected %q, got %q", i, want, msgs[i].Content)
		}
	}

	limited, _ := mgr.GetMessages(sess.ID, 2)
	if len(limited) != 2 || limited[0].Content != "second" {
		t.Errorf("limit should keep the most recent messages, got %+v", limited)
	}

	got, _ := mgr.Get(sess.ID)
	if got.MessageCount != 3 {
		t.Errorf("expected message_count 3, got %d", got.MessageCount)
	}
}

func TestSanitizeStripsOrphanedToolResults(t *testing.T) {
	store := openTestStore(t)
	mgr := NewSessionManager(store)
	sess, _ := mgr.GetOrCreate("s")

	assistantBlocks, _ := json.Marshal([]map[string]any{
		{"type": "text", "text": "Let me check"},
		{"type": "tool_use", "id": "tu_1", "name": "weather", "input": map[string]any{}},
	})
	goodResult, _ := json.Marshal([]map[string]any{
		{"type": "tool_result", "tool_use_id": "tu_1", "content": "sunny"},
	})
	orphanResult, _ := json.Marshal([]map[string]any{
		{"type": "tool_result", "tool_use_id": "tu_ghost", "content": "stale"},
	})

	if err := mgr.AppendMessage(sess.ID, Message{Role: "assistant", Blocks: assistantBlocks}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.AppendMessage(sess.ID, Message{Role: "user", Blocks: goodResult}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.AppendMessage(sess.ID, Message{Role: "user", Content: "thanks", Blocks: orphanResult}); err != nil {
		t.Fatal(err)
	}

	msgs, err := mgr.GetMessages(sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if len(msgs[1].Blocks) == 0 {
		t.Error("valid tool_result should survive sanitization")
	}
	if len(msgs[2].Blocks) != 0 {
		t.Error("orphaned tool_result should be stripped")
	}
	if msgs[2].Content != "thanks" {
		t.Error("text content must survive block stripping")
	}
}

func TestAddTokenUsageAccumulates(t *testing.T) {
	store := openTestStore(t)
	mgr := NewSessionManager(store)
	sess, _ := mgr.GetOrCreate("s")

	if err := mgr.AddTokenUsage(sess.ID, 100, 40); err != nil {
		t.Fatal(err)
	}
	if err := mgr.AddTokenUsage(sess.ID, 50, 10); err != nil {
		t.Fatal(err)
	}
	got, _ := mgr.Get(sess.ID)
	if got.InputTokens != 150 || got.OutputTokens != 50 {
		t.Errorf("token totals wrong: in=%d out=%d", got.InputTokens, got.OutputTokens)
	}
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	store := openTestStore(t)
	mgr := NewSessionManager(store)
	sess, _ := mgr.GetOrCreate("doomed")
	_ = mgr.AppendMessage(sess.ID, Message{Role: "user", Content: "hello"})

	if err := mgr.DeleteSession(sess.ID); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := store.DB().QueryRow(
		`SELECT COUNT(*) FROM session_messages WHERE session_id = ?`, sess.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected cascade delete of messages, %d remain", n)
	}
}
