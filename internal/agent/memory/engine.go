// Package memory implements the long-term memory engine: hybrid search
// over stored facts, prominence decay, relation-aware fact extraction,
// and system-prompt context assembly.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/embeddings"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Engine wraps the persistence layer with embedding-aware operations.
type Engine struct {
	store *db.Store
	embed *embeddings.Service
	cfg   config.MemoryConfig
}

// NewEngine creates a memory engine over the shared store
func NewEngine(store *db.Store, embed *embeddings.Service, cfg config.MemoryConfig) *Engine {
	return &Engine{store: store, embed: embed, cfg: cfg}
}

// Store exposes the underlying persistence handle
func (e *Engine) Store() *db.Store { return e.store }

// Remember stores a new memory, embedding its content when a provider is
// configured. Content is sanitized before storage.
func (e *Engine) Remember(ctx context.Context, m *db.Memory) error {
	if e.cfg.SanitizeContent {
		m.Content = SanitizeContent(m.Content)
	}
	if m.Content == "" {
		return fmt.Errorf("empty memory content")
	}
	if m.Embedding == nil && e.embed != nil && e.embed.HasProvider() {
		vec, err := e.embed.EmbedOne(ctx, m.Content)
		if err != nil {
			logging.Warnf("[memory] embedding failed, storing without vector: %v", err)
		} else {
			m.Embedding = vec
		}
	}
	return e.store.AddMemory(m)
}

// Collect stores a raw conversation or skill-output memory. tag names the
// collection site (conversation/user-message, conversation/assistant-response,
// skill-execution/<name>); the stored source column uses the fixed enum.
// These entries feed short-term context and are aggressively decayed.
func (e *Engine) Collect(ctx context.Context, sessionID, tag, content string) error {
	content = SanitizeContent(content)
	if content == "" {
		return nil
	}
	m := &db.Memory{
		UserID:     db.PrimaryUserID,
		Content:    content,
		Category:   db.CategoryFact,
		MemoryType: db.TypeRegular,
		Source:     sourceForTag(tag),
		Importance: 3,
		Prominence: 0.3,
		Metadata: map[string]any{
			"type":      "raw",
			"sessionId": sessionID,
			"tags":      []string{tag},
		},
	}
	// Raw conversation snippets skip embedding; lexical search covers them.
	return e.store.AddMemory(m)
}

// sourceForTag maps a collection tag onto the source enum: user,
// assistant, or skill:<name>.
func sourceForTag(tag string) string {
	switch {
	case strings.HasPrefix(tag, "skill-execution/"):
		return db.SkillSource(strings.TrimPrefix(tag, "skill-execution/"))
	case tag == "conversation/assistant-response":
		return db.SourceAssistant
	default:
		return db.SourceUser
	}
}

// Reinforce bumps confidence and prominence on re-confirmation
func (e *Engine) Reinforce(id string) error {
	return e.store.ReinforceMemory(id, 0.05, 0.1)
}

// userFacts returns the latest fact-bearing entries for a subject.
// Restricted to source=user so assistant chatter and skill output never
// surface as facts.
func (e *Engine) userFacts(subject string, limit int) ([]*db.Memory, error) {
	return e.store.ListMemories(db.MemoryFilter{
		UserID:     db.PrimaryUserID,
		Subject:    subject,
		SourceUser: true,
		LatestOnly: true,
		Limit:      limit,
	})
}

// ageDays returns the age of a timestamp in fractional days.
func ageDays(t, now time.Time) float64 {
	if t.IsZero() || t.After(now) {
		return 0
	}
	return now.Sub(t).Hours() / 24
}
