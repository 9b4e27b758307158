package ai

import "strings"

// action verbs that suggest the model will need tools or multi-step work
var actionVerbs = []string{
	"create", "build", "write", "implement", "refactor", "debug", "fix",
	"analyze", "compare", "summarize", "research", "plan", "design",
	"schedule", "organize", "calculate", "convert",
}

// phrases that hint at tool usage
var toolHints = []string{
	"file", "search the web", "look up", "run", "execute", "fetch",
	"download", "my calendar", "remind me", "email",
}

// AnalyzeComplexity is a cheap heuristic that suggests a model tier for a
// user message. The router respects the suggestion unless overridden.
func AnalyzeComplexity(message string) Tier {
	lower := strings.ToLower(message)
	score := 0

	if len(message) > 600 {
		score += 2
	} else if len(message) > 200 {
		score++
	}
	if strings.Contains(message, "```") {
		score += 2
	}
	for _, v := range actionVerbs {
		if strings.Contains(lower, v) {
			score++
		}
	}
	for _, h := range toolHints {
		if strings.Contains(lower, h) {
			score++
		}
	}
	// Several distinct questions usually mean a compound request.
	if strings.Count(message, "?") >= 2 {
		score++
	}

	switch {
	case score >= 4:
		return TierCapable
	case score >= 2:
		return TierStandard
	default:
		return TierFast
	}
}
