package db

import "strings"

// stop-words plus scheduling verbs that carry no signal when comparing
// reminder texts ("remind me to check the oven" vs "check the oven").
var similarityNoise = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "in": true,
	"on": true, "at": true, "for": true, "and": true, "or": true, "my": true,
	"me": true, "i": true, "is": true, "it": true, "that": true, "this": true,
	"with": true, "about": true, "please": true,
	"remind": true, "reminder": true, "schedule": true, "scheduled": true,
	"remember": true, "dont": true, "don't": true, "forget": true,
}

func similarityTokens(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, `"'.,!?;:()[]{}`)
		if f == "" || similarityNoise[f] {
			continue
		}
		tokens[f] = true
	}
	return tokens
}

// MessageSimilarity reports whether two scheduled-item messages describe
// the same task, using normalized word overlap. The relation is symmetric:
// match when overlap/smaller >= 0.8, or overlap covers >= 0.4 of both sides.
func MessageSimilarity(a, b string) bool {
	ta, tb := similarityTokens(a), similarityTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	overlap := 0
	for t := range ta {
		if tb[t] {
			overlap++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	if float64(overlap)/float64(smaller) >= 0.8 {
		return true
	}
	return float64(overlap)/float64(len(ta)) >= 0.4 && float64(overlap)/float64(len(tb)) >= 0.4
}
