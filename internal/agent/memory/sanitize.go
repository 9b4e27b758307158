package memory

import (
	"regexp"
	"strings"
)

// Patterns that indicate prompt-injection attempts or instruction text
// masquerading as a fact. Matched case-insensitively against stored content.
var instructionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all |any )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (all |any )?(previous|prior|above)`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)new instructions?:`),
	regexp.MustCompile(`(?i)\bact as\b.{0,40}\b(assistant|ai|system)\b`),
	regexp.MustCompile(`(?i)do not (follow|obey|listen)`),
	regexp.MustCompile("(?s)```.*```"),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|instructions?)\s*>`),
}

// SanitizeContent strips instruction-like fragments from memory content
// before storage. Returns "" when nothing safe remains.
func SanitizeContent(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	for _, p := range instructionPatterns {
		content = p.ReplaceAllString(content, "")
	}
	content = strings.Join(strings.Fields(content), " ")
	return strings.TrimSpace(content)
}
