package ai

import (
	"errors"
	"testing"
)

func TestIsContextOverflow(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 400", &ProviderError{Message: "bad request", Status: 400}, true},
		{"status 413", &ProviderError{Message: "payload", Status: 413}, true},
		{"code", &ProviderError{Message: "x", Code: "context_length_exceeded"}, true},
		{"context keyword", errors.New("prompt Context window full"), true},
		{"token keyword", errors.New("too many tokens"), true},
		{"too long keyword", errors.New("input is too long"), true},
		{"maximum keyword", errors.New("exceeds Maximum size"), true},
		{"limit keyword", errors.New("over the limit"), true},
		{"unrelated", errors.New("connection refused"), false},
		{"status 500 plain", &ProviderError{Message: "server error", Status: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContextOverflow(tt.err); got != tt.want {
				t.Errorf("IsContextOverflow(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyErrorReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "other"},
		{"rate limit code", &ProviderError{Message: "x", Code: "rate_limit_exceeded"}, "rate_limit"},
		{"auth code", &ProviderError{Message: "x", Code: "invalid_api_key"}, "auth"},
		{"billing code", &ProviderError{Message: "x", Code: "insufficient_quota"}, "billing"},
		{"rate limit type", &ProviderError{Message: "x", Type: "rate_limit_error"}, "rate_limit"},
		{"429 message", errors.New("HTTP 429 too many requests"), "rate_limit"},
		{"billing message", errors.New("you exceeded your spending limit"), "billing"},
		{"auth message", errors.New("401 unauthorized"), "auth"},
		{"timeout message", errors.New("context deadline exceeded"), "timeout"},
		{"other", errors.New("connection reset"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyErrorReason(tt.err); got != tt.want {
				t.Errorf("ClassifyErrorReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestCompletionResponseAccessors(t *testing.T) {
	resp := &CompletionResponse{
		Content: []ContentBlock{
			TextBlock("hello "),
			ToolUseBlock("tu_1", "weather", []byte(`{"city":"Dublin"}`)),
			TextBlock("world"),
			{Type: BlockThinking, Text: "hmm"},
		},
	}
	if got := resp.Text(); got != "hello world" {
		t.Errorf("Text() = %q", got)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "weather" {
		t.Errorf("ToolUses() = %+v", uses)
	}
}

func TestTierString(t *testing.T) {
	if TierFast.String() != "fast" || TierStandard.String() != "standard" || TierCapable.String() != "capable" {
		t.Error("tier names wrong")
	}
}
