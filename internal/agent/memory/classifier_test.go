package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/db"
)

// scriptedLLM returns canned responses in order, or a fixed error.
type scriptedLLM struct {
	responses []string
	err       error
	calls     int
}

func (s *scriptedLLM) ExecuteWithFallback(_ context.Context, _ *ai.CompletionRequest, _ ai.Tier) (*ai.CompletionResponse, ai.Provider, []string, error) {
	s.calls++
	if s.err != nil {
		return nil, nil, nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := &ai.CompletionResponse{
		Content: []ai.ContentBlock{{Type: ai.BlockText, Text: s.responses[idx]}},
	}
	return resp, nil, nil, nil
}

func existingFacts(ids ...string) []*db.Memory {
	out := make([]*db.Memory, len(ids))
	for i, id := range ids {
		out[i] = &db.Memory{ID: id, Content: "fact " + id}
	}
	return out
}

func TestClassifyNoExistingSkipsLLM(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"[]"}}
	c := NewClassifier(llm, 10)

	verdicts := c.Classify(context.Background(), []string{"a", "b"}, nil)
	if llm.calls != 0 {
		t.Errorf("no existing facts must not call the LLM, got %d calls", llm.calls)
	}
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}
	for i, v := range verdicts {
		if v.Relation != VerdictNew || v.Index != i {
			t.Errorf("verdict %d: %+v", i, v)
		}
	}
}

func TestClassifyParsesVerdicts(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"```json\n[{\"index\": 0, \"verdict\": \"UPDATES\", \"target_id\": \"m1\", \"confidence\": 0.9}, {\"index\": 1, \"verdict\": \"EXTENDS\", \"target_id\": \"m2\", \"confidence\": 0.8}]\n```",
	}}
	c := NewClassifier(llm, 10)

	verdicts := c.Classify(context.Background(), []string{"a", "b"}, existingFacts("m1", "m2"))
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}
	if verdicts[0].Relation != VerdictUpdates || verdicts[0].TargetID != "m1" {
		t.Errorf("verdict 0: %+v", verdicts[0])
	}
	if verdicts[1].Relation != VerdictExtends || verdicts[1].TargetID != "m2" {
		t.Errorf("verdict 1: %+v", verdicts[1])
	}
}

func TestClassifyInventedTargetBecomesNew(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`[{"index": 0, "verdict": "UPDATES", "target_id": "made-up", "confidence": 0.9}]`,
	}}
	c := NewClassifier(llm, 10)

	verdicts := c.Classify(context.Background(), []string{"a"}, existingFacts("m1"))
	if verdicts[0].Relation != VerdictNew || verdicts[0].TargetID != "" {
		t.Errorf("invented target must degrade to NEW: %+v", verdicts[0])
	}
}

func TestClassifyErrorFallsBackToNew(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("provider down")}
	c := NewClassifier(llm, 10)

	verdicts := c.Classify(context.Background(), []string{"a", "b", "c"}, existingFacts("m1"))
	if len(verdicts) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(verdicts))
	}
	for _, v := range verdicts {
		if v.Relation != VerdictNew {
			t.Errorf("error path must yield NEW: %+v", v)
		}
		if v.Confidence != 0.5 {
			t.Errorf("fallback confidence must be 0.5, got %f", v.Confidence)
		}
	}
}

func TestClassifyBatchSplitKeepsIndices(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`[{"index": 0, "verdict": "UPDATES", "target_id": "m1", "confidence": 0.9}, {"index": 1, "verdict": "NEW", "confidence": 0.9}]`,
		`[{"index": 0, "verdict": "EXTENDS", "target_id": "m2", "confidence": 0.7}]`,
	}}
	c := NewClassifier(llm, 2)

	verdicts := c.Classify(context.Background(), []string{"a", "b", "c"}, existingFacts("m1", "m2"))
	if llm.calls != 2 {
		t.Fatalf("expected 2 batch calls, got %d", llm.calls)
	}
	if len(verdicts) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(verdicts))
	}
	if verdicts[2].Index != 2 || verdicts[2].Relation != VerdictExtends {
		t.Errorf("second batch index not offset: %+v", verdicts[2])
	}
}

func TestExtractJSONArrayTolerant(t *testing.T) {
	in := "Sure! Here is the result:\n```json\n[{\"index\": 0, \"reason\": \"has ] bracket\"}]\n```\nDone."
	out := extractJSONArray(in)
	if out != `[{"index": 0, "reason": "has ] bracket"}]` {
		t.Errorf("got %q", out)
	}
	if extractJSONArray("no array here") != "" {
		t.Error("expected empty for missing array")
	}
}
