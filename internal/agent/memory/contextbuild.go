package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/sageloop/sage/internal/db"
)

// Context assembly limits. User facts are always loaded in full; query
// facts and conversation snippets are relevance-gated.
const (
	userFactLimit     = 20
	queryFactLimit    = 10
	queryFactMinScore = 0.1
	convMinScore      = 0.05
	convTruncateChars = 200
	userSubjectBoost  = 2.0
)

// BuildContext assembles the memory section of the system prompt for one
// turn: everything known about the user, query-relevant facts, and recent
// conversation snippets from this session.
func (e *Engine) BuildContext(ctx context.Context, query, sessionID string, maxConvMessages, charBudget int) string {
	if maxConvMessages <= 0 {
		maxConvMessages = 6
	}
	if charBudget <= 0 {
		charBudget = 2000
	}

	var sections []string

	facts := e.contextFacts(ctx, query, charBudget)
	if len(facts) > 0 {
		sections = append(sections, "# What you know about the user\n\n"+strings.Join(facts, "\n"))
	}

	conv := e.conversationSnippets(ctx, query, sessionID, maxConvMessages)
	if len(conv) > 0 {
		sections = append(sections, "# Recent conversation context\n\n"+strings.Join(conv, "\n"))
	}

	return strings.Join(sections, "\n\n")
}

// contextFacts merges the unconditional user facts with query-relevant
// ones, deduplicated by id with user facts first, capped by charBudget.
func (e *Engine) contextFacts(ctx context.Context, query string, charBudget int) []string {
	// User facts restrict to source=user so assistant chatter and skill
	// output never read back as facts about the user.
	userFacts, err := e.Search(ctx, "", SearchOptions{
		Subject:          db.PrimaryUserID,
		SourceUser:       true,
		UserSubjectBoost: userSubjectBoost,
		MinScore:         0,
		Limit:            userFactLimit,
	})
	if err != nil {
		userFacts = nil
	}

	var queryFacts []ScoredMemory
	if query != "" {
		queryFacts, _ = e.Search(ctx, query, SearchOptions{
			Type:             "fact",
			MinScore:         queryFactMinScore,
			Limit:            queryFactLimit,
			UserSubjectBoost: userSubjectBoost,
		})
	}

	seen := make(map[string]bool)
	var lines []string
	used := 0
	add := func(m ScoredMemory) {
		if seen[m.ID] {
			return
		}
		seen[m.ID] = true
		line := "- " + m.Content
		if subj := m.Subject(); subj != "" && subj != db.PrimaryUserID {
			line = fmt.Sprintf("- [About %s] %s", subj, m.Content)
		}
		if used+len(line) > charBudget {
			return
		}
		used += len(line)
		lines = append(lines, line)
		_ = e.store.RecordAccess(m.ID)
	}
	for _, m := range userFacts {
		add(m)
	}
	for _, m := range queryFacts {
		add(m)
	}
	return lines
}

// conversationSnippets returns recent raw/context memories from this
// session carrying the conversation tag, truncated per entry.
func (e *Engine) conversationSnippets(ctx context.Context, query, sessionID string, maxMessages int) []string {
	if sessionID == "" {
		return nil
	}
	results, err := e.Search(ctx, query, SearchOptions{
		SessionID:    sessionID,
		RecencyBoost: 1.0,
		MinScore:     convMinScore,
		Limit:        maxMessages * 2,
	})
	if err != nil {
		return nil
	}
	var lines []string
	for _, m := range results {
		if len(lines) >= maxMessages {
			break
		}
		typ, _ := m.Metadata["type"].(string)
		if typ != "raw" && typ != "context" {
			continue
		}
		if !hasConversationTag(m.Memory) {
			continue
		}
		content := m.Content
		if len(content) > convTruncateChars {
			content = content[:convTruncateChars] + "..."
		}
		lines = append(lines, "- "+content)
	}
	return lines
}

func hasConversationTag(m *db.Memory) bool {
	tags, ok := m.Metadata["tags"].([]any)
	if !ok {
		return false
	}
	for _, t := range tags {
		if s, ok := t.(string); ok && strings.HasPrefix(s, "conversation/") {
			return true
		}
	}
	return false
}
