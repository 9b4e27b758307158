package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Relation verdicts
const (
	VerdictNew     = "NEW"
	VerdictUpdates = "UPDATES"
	VerdictExtends = "EXTENDS"
)

// Verdict is the classifier's decision for one candidate fact
type Verdict struct {
	Index      int     `json:"index"`
	Relation   string  `json:"verdict"`
	TargetID   string  `json:"target_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// completer is the slice of the router the classifier and extractor need
type completer interface {
	ExecuteWithFallback(ctx context.Context, req *ai.CompletionRequest, tier ai.Tier) (*ai.CompletionResponse, ai.Provider, []string, error)
}

// Classifier decides whether candidate facts are new, update an existing
// fact, or extend one. One LLM call per batch of at most batchSize.
type Classifier struct {
	llm       completer
	batchSize int
}

// NewClassifier creates a relation classifier
func NewClassifier(llm completer, batchSize int) *Classifier {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Classifier{llm: llm, batchSize: batchSize}
}

const classifyPrompt = `You maintain a personal memory database. For each CANDIDATE fact below, decide its relation to the EXISTING facts:

- NEW: the candidate states something not covered by any existing fact.
- UPDATES: the candidate replaces an existing fact that is now outdated (same attribute, new value). Include the existing fact's id as target_id.
- EXTENDS: the candidate adds detail to an existing fact without contradicting it. Include target_id.

EXISTING FACTS:
%s

CANDIDATES:
%s

Respond ONLY with a JSON array, one object per candidate, in order:
[{"index": 0, "verdict": "NEW|UPDATES|EXTENDS", "target_id": "...", "confidence": 0.9, "reason": "..."}]

Use target_id values copied exactly from the existing facts. Never invent ids.`

// Classify returns one verdict per candidate, in candidate order.
// Batches larger than the bound are split and rejoined. On any LLM or
// parse error the whole batch degrades to NEW.
func (c *Classifier) Classify(ctx context.Context, candidates []string, existing []*db.Memory) []Verdict {
	verdicts := make([]Verdict, 0, len(candidates))
	for start := 0; start < len(candidates); start += c.batchSize {
		end := start + c.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := c.classifyBatch(ctx, candidates[start:end], existing)
		for i := range batch {
			batch[i].Index += start
		}
		verdicts = append(verdicts, batch...)
	}
	return verdicts
}

func (c *Classifier) classifyBatch(ctx context.Context, candidates []string, existing []*db.Memory) []Verdict {
	fallback := func() []Verdict {
		out := make([]Verdict, len(candidates))
		for i := range out {
			out[i] = Verdict{Index: i, Relation: VerdictNew, Confidence: 0.5}
		}
		return out
	}
	if len(existing) == 0 {
		return fallback()
	}

	known := make(map[string]bool, len(existing))
	var existingList strings.Builder
	for _, m := range existing {
		known[m.ID] = true
		fmt.Fprintf(&existingList, "- id=%s: %s\n", m.ID, m.Content)
	}
	var candidateList strings.Builder
	for i, cand := range candidates {
		fmt.Fprintf(&candidateList, "%d. %s\n", i, cand)
	}

	prompt := fmt.Sprintf(classifyPrompt, existingList.String(), candidateList.String())
	resp, _, _, err := c.llm.ExecuteWithFallback(ctx, &ai.CompletionRequest{
		Messages:  []ai.Message{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	}, ai.TierFast)
	if err != nil {
		logging.Warnf("[memory] relation classify failed, storing all as NEW: %v", err)
		return fallback()
	}

	raw := extractJSONArray(resp.Text())
	if raw == "" {
		return fallback()
	}
	var parsed []Verdict
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logging.Warnf("[memory] relation classify parse failed: %v", err)
		return fallback()
	}

	out := fallback()
	for _, v := range parsed {
		if v.Index < 0 || v.Index >= len(out) {
			continue
		}
		switch v.Relation {
		case VerdictUpdates, VerdictExtends:
			// An id the model made up means the relation is unusable.
			if !known[v.TargetID] {
				v.Relation = VerdictNew
				v.TargetID = ""
			}
		case VerdictNew:
			v.TargetID = ""
		default:
			continue
		}
		out[v.Index] = v
	}
	return out
}

// extractJSONArray pulls the first balanced JSON array out of LLM text,
// tolerating code fences and surrounding prose.
func extractJSONArray(text string) string {
	text = stripFences(text)
	start := strings.Index(text, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// stripFences removes surrounding markdown code fences.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}
