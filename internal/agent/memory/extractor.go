package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/embeddings"
	"github.com/sageloop/sage/internal/agent/schedule"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// ExtractedFact is one candidate fact from the extraction LLM call
type ExtractedFact struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Subject    string `json:"subject"`
	Importance int    `json:"importance"`
	EventDate  string `json:"event_date,omitempty"`

	embedding []float32
}

// ExtractedTrigger is a proactive trigger emitted alongside facts
type ExtractedTrigger struct {
	Type             string `json:"type"`
	Description      string `json:"description"`
	TriggerTime      string `json:"trigger_time"`
	Context          string `json:"context,omitempty"`
	Guidance         string `json:"guidance,omitempty"`
	RecurringPattern string `json:"recurring_pattern,omitempty"`
}

type extractionResult struct {
	Facts    []ExtractedFact    `json:"facts"`
	Triggers []ExtractedTrigger `json:"triggers"`
}

// Extractor turns user messages into stored facts and scheduled items.
// It runs off the agent turn's critical path.
type Extractor struct {
	engine     *Engine
	classifier *Classifier
	llm        completer
	cfg        config.MemoryConfig
}

// NewExtractor creates a fact and trigger extractor
func NewExtractor(engine *Engine, classifier *Classifier, llm completer, cfg config.MemoryConfig) *Extractor {
	return &Extractor{engine: engine, classifier: classifier, llm: llm, cfg: cfg}
}

const extractPrompt = `Extract durable facts and proactive triggers from the user's message.

RULES FOR FACTS:
- Extract only concrete facts stated or clearly implied by the message.
- "subject" is either the literal string "user" or a person's name.
- A relationship statement ("My sister is Emma") has subject "user". A separate attribute of that person ("Emma lives in Cork") has subject "Emma".
- Split compound statements into multiple facts, one per fact object.
- "category" is one of: personal, work, project, location, preference, relationship, general.
- "importance" is 1-10.
- Include "event_date" (ISO 8601) only when the fact is tied to a specific date.
- Skip greetings, small talk, questions, and anything about this conversation itself.

RULES FOR TRIGGERS:
- Emit a trigger when the user asks to be reminded, schedules something, or mentions a commitment the assistant should follow up on.
- "trigger_time" is the time phrase verbatim (e.g. "in 20 minutes", "tomorrow at 9am", "at 18:30").
- "recurring_pattern" is set only for repeating requests (e.g. "every day at 08:00", "every Monday at 9am", "every weekday").
- "type" is one of: reminder, follow_up, event_prep, commitment_check, goal_checkin.

PREVIOUS ASSISTANT MESSAGE (for resolving references like "that's my office"):
%s

USER MESSAGE:
%s

Respond ONLY with JSON:
{"facts": [{"content": "...", "category": "...", "subject": "...", "importance": 5}], "triggers": [{"type": "reminder", "description": "...", "trigger_time": "...", "context": "", "guidance": "", "recurring_pattern": ""}]}`

// Go runs extraction on its own goroutine. Failures are logged and never
// reach the caller.
func (x *Extractor) Go(sessionID, message, prevAssistant string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("[memory] extraction panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := x.Process(ctx, sessionID, message, prevAssistant); err != nil {
			logging.Warnf("[memory] extraction failed: %v", err)
		}
	}()
}

// Process extracts facts and triggers from one message and applies them.
func (x *Extractor) Process(ctx context.Context, sessionID, message, prevAssistant string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	result, err := x.callLLM(ctx, message, prevAssistant)
	if err != nil {
		return err
	}
	if len(result.Facts) > x.cfg.MaxFactsPerMessage {
		logging.Warnf("[memory] truncating %d extracted facts to %d", len(result.Facts), x.cfg.MaxFactsPerMessage)
		result.Facts = result.Facts[:x.cfg.MaxFactsPerMessage]
	}

	facts := x.prepareFacts(result.Facts)
	x.embedFacts(ctx, facts)
	facts = x.deduplicate(ctx, facts)
	x.applyVerdicts(ctx, sessionID, facts)
	x.applyTriggers(result.Triggers)
	return nil
}

func (x *Extractor) callLLM(ctx context.Context, message, prevAssistant string) (*extractionResult, error) {
	if prevAssistant == "" {
		prevAssistant = "(none)"
	}
	prompt := fmt.Sprintf(extractPrompt, prevAssistant, message)
	resp, _, _, err := x.llm.ExecuteWithFallback(ctx, &ai.CompletionRequest{
		Messages:  []ai.Message{{Role: "user", Content: prompt}},
		MaxTokens: 2048,
	}, ai.TierFast)
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}
	raw := extractJSONObject(resp.Text())
	if raw == "" {
		return &extractionResult{}, nil
	}
	var result extractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		// A malformed response is treated as "nothing to extract".
		logging.Warnf("[memory] extraction parse failed: %v", err)
		return &extractionResult{}, nil
	}
	return &result, nil
}

// prepareFacts sanitizes content and normalizes subjects and categories.
func (x *Extractor) prepareFacts(in []ExtractedFact) []ExtractedFact {
	out := make([]ExtractedFact, 0, len(in))
	for _, f := range in {
		if x.cfg.SanitizeContent {
			f.Content = SanitizeContent(f.Content)
		}
		if f.Content == "" {
			continue
		}
		if f.Subject == "" {
			f.Subject = db.PrimaryUserID
		}
		if f.Importance <= 0 || f.Importance > 10 {
			f.Importance = 5
		}
		out = append(out, f)
	}
	return out
}

// embedFacts computes embeddings with a bounded number in flight.
func (x *Extractor) embedFacts(ctx context.Context, facts []ExtractedFact) {
	if x.engine.embed == nil || !x.engine.embed.HasProvider() {
		return
	}
	limit := x.cfg.EmbedConcurrency
	if limit <= 0 {
		limit = 5
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range facts {
		wg.Add(1)
		sem <- struct{}{}
		go func(f *ExtractedFact) {
			defer wg.Done()
			defer func() { <-sem }()
			vec, err := x.engine.embed.EmbedOne(ctx, f.Content)
			if err != nil {
				logging.Warnf("[memory] fact embedding failed: %v", err)
				return
			}
			f.embedding = vec
		}(&facts[i])
	}
	wg.Wait()
}

// deduplicate drops candidates nearly identical to an existing fact with
// the same subject. A candidate at least 1.2x longer than its duplicate
// updates the stored fact in place instead.
func (x *Extractor) deduplicate(ctx context.Context, facts []ExtractedFact) []ExtractedFact {
	kept := facts[:0]
	for _, f := range facts {
		existing, err := x.engine.userFacts(f.Subject, 50)
		if err != nil {
			kept = append(kept, f)
			continue
		}
		dup := x.findDuplicate(f, existing)
		if dup == nil {
			kept = append(kept, f)
			continue
		}
		if len(f.Content) >= len(dup.Content)*6/5 {
			if err := x.engine.store.UpdateMemoryContent(dup.ID, f.Content, f.embedding); err != nil {
				logging.Warnf("[memory] in-place update failed: %v", err)
			}
		}
		// Either way the candidate is consumed.
	}
	return kept
}

func (x *Extractor) findDuplicate(f ExtractedFact, existing []*db.Memory) *db.Memory {
	threshold := x.cfg.DeduplicationThreshold
	for _, m := range existing {
		if f.embedding != nil && m.Embedding != nil {
			if embeddings.CosineSimilarity(f.embedding, m.Embedding) >= threshold {
				return m
			}
		} else if strings.EqualFold(strings.TrimSpace(f.Content), strings.TrimSpace(m.Content)) {
			return m
		}
	}
	return nil
}

// applyVerdicts classifies the surviving batch and stores each fact with
// its relation.
func (x *Extractor) applyVerdicts(ctx context.Context, sessionID string, facts []ExtractedFact) {
	if len(facts) == 0 {
		return
	}
	existing := x.existingForSubjects(facts)
	contents := make([]string, len(facts))
	for i, f := range facts {
		contents[i] = f.Content
	}
	verdicts := x.classifier.Classify(ctx, contents, existing)

	for i, f := range facts {
		m := &db.Memory{
			UserID:     db.PrimaryUserID,
			Content:    f.Content,
			Category:   mapCategory(f.Category),
			MemoryType: db.TypeRegular,
			Source:     db.SourceUser,
			Importance: f.Importance,
			Embedding:  f.embedding,
			Metadata: map[string]any{
				"type":      "fact",
				"subject":   f.Subject,
				"sessionId": sessionID,
			},
		}
		if f.EventDate != "" {
			if t, err := time.Parse(time.RFC3339, f.EventDate); err == nil {
				m.EventDate = &t
			} else if t, err := time.Parse("2006-01-02", f.EventDate); err == nil {
				m.EventDate = &t
			}
		}
		if err := x.engine.store.AddMemory(m); err != nil {
			logging.Warnf("[memory] store fact failed: %v", err)
			continue
		}
		v := verdicts[i]
		if v.TargetID == "" {
			continue
		}
		relType := db.RelationExtends
		if v.Relation == VerdictUpdates {
			relType = db.RelationUpdates
		}
		if _, err := x.engine.store.AddRelation(m.ID, v.TargetID, relType, v.Confidence); err != nil {
			logging.Warnf("[memory] add relation failed: %v", err)
		}
	}
}

// existingForSubjects gathers the latest facts for every subject in the
// batch, so the classifier sees real target ids.
func (x *Extractor) existingForSubjects(facts []ExtractedFact) []*db.Memory {
	seen := map[string]bool{}
	var out []*db.Memory
	for _, f := range facts {
		if seen[f.Subject] {
			continue
		}
		seen[f.Subject] = true
		existing, err := x.engine.userFacts(f.Subject, 30)
		if err != nil {
			continue
		}
		out = append(out, existing...)
	}
	return out
}

// applyTriggers converts extracted triggers into scheduled items,
// suppressing ones similar to an already pending item.
func (x *Extractor) applyTriggers(triggers []ExtractedTrigger) {
	if len(triggers) == 0 {
		return
	}
	loc := x.engine.store.UserTimezone()
	now := time.Now().In(loc)
	for _, t := range triggers {
		phrase := t.RecurringPattern
		if phrase == "" {
			phrase = t.TriggerTime
		}
		triggerAt, recurring, err := schedule.ParseTimePhrase(phrase, now, loc)
		if err != nil {
			logging.Warnf("[memory] unparseable trigger time %q: %v", phrase, err)
			continue
		}
		similar, err := x.engine.store.HasSimilarPendingScheduledItem(db.PrimaryUserID, t.Description, triggerAt)
		if err == nil && similar {
			continue
		}
		itemType := db.ItemReminder
		switch t.Type {
		case db.ItemFollowUp, db.ItemEventPrep, db.ItemCommitmentCheck, db.ItemGoalCheckin:
			itemType = t.Type
		}
		item := &db.ScheduledItem{
			UserID:    db.PrimaryUserID,
			Source:    "agent",
			ItemType:  itemType,
			Message:   t.Description,
			Context:   triggerContext(t),
			TriggerAt: triggerAt,
			Recurring: recurring,
		}
		if _, err := x.engine.store.AddScheduledItem(item); err != nil {
			logging.Warnf("[memory] schedule trigger failed: %v", err)
		}
	}
}

func triggerContext(t ExtractedTrigger) string {
	if t.Context == "" && t.Guidance == "" {
		return ""
	}
	raw, _ := json.Marshal(map[string]string{"context": t.Context, "guidance": t.Guidance})
	return string(raw)
}

func mapCategory(category string) string {
	switch strings.ToLower(category) {
	case "preference":
		return db.CategoryPreference
	case "relationship":
		return db.CategoryRelationship
	default:
		return db.CategoryFact
	}
}

// extractJSONObject pulls the first balanced JSON object out of LLM text.
func extractJSONObject(text string) string {
	text = stripFences(text)
	start := strings.Index(text, "{")
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
