package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Bounded LLM work per deep/sleep cycle.
const (
	maxSummariesPerCycle = 5
	summaryMinMessages   = 4
	llmTaskTimeout       = 90 * time.Second
)

const profileDeltaPrompt = `Based on these recent memories about the user, produce a compact profile delta.

MEMORIES:
%s

Respond ONLY with JSON:
{"recent_topics": ["..."], "mood": "one word or empty", "active_projects": ["..."]}`

// updateDynamicProfile asks the LLM to distill recent memories into the
// dynamic-profile singleton. Skipped without an LLM.
func (g *Gardener) updateDynamicProfile(now time.Time) {
	if g.llm == nil {
		return
	}
	recent, err := g.store.ListMemories(db.MemoryFilter{
		UserID:     db.PrimaryUserID,
		LatestOnly: true,
		Limit:      30,
	})
	if err != nil || len(recent) == 0 {
		return
	}
	var sb strings.Builder
	for _, m := range recent {
		fmt.Fprintf(&sb, "- %s\n", m.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), llmTaskTimeout)
	defer cancel()
	resp, _, _, err := g.llm.ExecuteWithFallback(ctx, &ai.CompletionRequest{
		Messages:  []ai.Message{{Role: "user", Content: fmt.Sprintf(profileDeltaPrompt, sb.String())}},
		MaxTokens: 512,
	}, ai.TierFast)
	if err != nil {
		logging.Warnf("[gardener] profile delta failed: %v", err)
		return
	}

	var delta struct {
		RecentTopics   []string `json:"recent_topics"`
		Mood           string   `json:"mood"`
		ActiveProjects []string `json:"active_projects"`
	}
	if err := json.Unmarshal([]byte(firstJSONObject(resp.Text())), &delta); err != nil {
		logging.Warnf("[gardener] profile delta parse failed: %v", err)
		return
	}

	profile, err := g.store.GetDynamicProfile()
	if err != nil {
		logging.Warnf("[gardener] profile read failed: %v", err)
		return
	}
	if len(delta.RecentTopics) > 0 {
		profile.RecentTopics = delta.RecentTopics
	}
	if delta.Mood != "" {
		profile.Mood = delta.Mood
	}
	if len(delta.ActiveProjects) > 0 {
		profile.ActiveProjects = delta.ActiveProjects
	}
	profile.LastInteraction = now
	if err := g.store.SaveDynamicProfile(profile); err != nil {
		logging.Warnf("[gardener] profile save failed: %v", err)
	}
}

const sessionSummaryPrompt = `Summarize this conversation in 3-5 sentences, keeping concrete facts, decisions, and open threads. Write in the third person.

CONVERSATION:
%s

Respond with the summary text only.`

// summarizeSessions generates summaries for sessions that accumulated
// messages since their last summary, a bounded number per cycle.
func (g *Gardener) summarizeSessions() {
	if g.llm == nil {
		return
	}
	ids, err := g.store.SessionsNeedingSummary(summaryMinMessages)
	if err != nil {
		logging.Warnf("[gardener] summary scan failed: %v", err)
		return
	}
	if len(ids) > maxSummariesPerCycle {
		ids = ids[:maxSummariesPerCycle]
	}
	for _, sessionID := range ids {
		if err := g.summarizeOne(sessionID); err != nil {
			logging.Warnf("[gardener] summarize %s failed: %v", sessionID, err)
		}
	}
}

func (g *Gardener) summarizeOne(sessionID string) error {
	messages, err := g.sessions.GetMessages(sessionID, 50)
	if err != nil {
		return err
	}
	if len(messages) < summaryMinMessages {
		return nil
	}
	var sb strings.Builder
	for _, msg := range messages {
		if msg.Content != "" {
			fmt.Fprintf(&sb, "[%s]: %s\n", msg.Role, msg.Content)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), llmTaskTimeout)
	defer cancel()
	resp, _, _, err := g.llm.ExecuteWithFallback(ctx, &ai.CompletionRequest{
		Messages:  []ai.Message{{Role: "user", Content: fmt.Sprintf(sessionSummaryPrompt, sb.String())}},
		MaxTokens: 512,
	}, ai.TierFast)
	if err != nil {
		return err
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return nil
	}
	return g.store.AddSessionSummary(&db.SessionSummary{
		SessionID:    sessionID,
		Summary:      summary,
		MessageCount: len(messages),
	})
}

// reinforceFactClusters bumps confidence on facts the user keeps
// touching and records contradictions between superseded chains.
func (g *Gardener) reinforceFactClusters(now time.Time) {
	facts, err := g.store.ListMemories(db.MemoryFilter{
		UserID:     db.PrimaryUserID,
		LatestOnly: true,
	})
	if err != nil {
		logging.Warnf("[gardener] cluster scan failed: %v", err)
		return
	}
	for _, m := range facts {
		// Frequently accessed recent facts are treated as re-confirmed.
		if m.AccessCount >= 5 && now.Sub(m.LastAccessed) < 7*24*time.Hour {
			if err := g.engine.Reinforce(m.ID); err != nil {
				logging.Warnf("[gardener] reinforce %s failed: %v", m.ID, err)
			}
		}
	}
}

// updateAffectState refreshes behavioural signals from recent session
// activity with exponential smoothing.
func (g *Gardener) updateAffectState(now time.Time) {
	patterns, err := g.store.GetBehavioralPatterns()
	if err != nil {
		logging.Warnf("[gardener] patterns read failed: %v", err)
		return
	}
	sessions, err := g.sessions.ListSessions()
	if err != nil {
		return
	}
	var recentMessages int64
	for _, s := range sessions {
		if now.Sub(s.UpdatedAt) < 24*time.Hour {
			recentMessages += s.MessageCount
		}
	}
	const alpha = 0.3
	freq := float64(recentMessages) / 24
	patterns.MessageFrequency = alpha*freq + (1-alpha)*patterns.MessageFrequency
	switch {
	case patterns.MessageFrequency > 3:
		patterns.AffectState = "engaged"
	case patterns.MessageFrequency > 0.5:
		patterns.AffectState = "steady"
	default:
		patterns.AffectState = "quiet"
	}
	if err := g.store.SaveBehavioralPatterns(patterns); err != nil {
		logging.Warnf("[gardener] patterns save failed: %v", err)
	}
}

// firstJSONObject extracts the first balanced JSON object from text.
func firstJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
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
