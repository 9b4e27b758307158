package runner

import (
	"context"
	"os"
	"strings"
)

const basePersona = `You are Sage, a personal AI assistant for a single user. You remember what the user tells you across conversations, manage their reminders, and use your skills when a task calls for them. Be direct and concrete. When you are not sure about a remembered fact, say so rather than guessing.`

// buildSystemPrompt assembles the per-turn system prompt: persona,
// workspace pointer, skills catalogue, SOUL.md behavioural guidelines,
// and the memory context for this query.
func (r *Runner) buildSystemPrompt(ctx context.Context, query, sessionID string) string {
	var sections []string
	sections = append(sections, basePersona)

	if r.cfg.Workspace != "" {
		sections = append(sections, "Workspace directory: "+r.cfg.Workspace)
	}

	if r.registry != nil {
		if catalogue := r.registry.Catalogue(); catalogue != "" {
			sections = append(sections, "# Available skills\n\n"+catalogue)
		}
	}

	if soul := r.loadSoul(); soul != "" {
		sections = append(sections, "# Behavioural guidelines\n\n"+soul)
	}

	if memCtx := r.engine.BuildContext(ctx, query, sessionID,
		r.cfg.Agent.MaxConversationMessages, r.cfg.Agent.MemoryCharBudget); memCtx != "" {
		sections = append(sections, memCtx)
	}

	return strings.Join(sections, "\n\n---\n\n")
}

// loadSoul reads the optional SOUL.md behavioural guidelines file.
func (r *Runner) loadSoul() string {
	path := r.cfg.SoulPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
