// Package ai defines the LLM provider contract, the typed content-block
// model, the model-tier router, and the cost tracker.
package ai

import (
	"context"
	"encoding/json"
	"strings"
)

// Content block types
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is the tagged sum of provider content: text, tool_use,
// tool_result, or thinking. Exactly the fields for Type are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText / BlockThinking
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn sent to a provider. Blocks takes
// precedence over Content when both are set.
type Message struct {
	Role    string         `json:"role"` // user, assistant, system
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// ToolSpec describes a skill available to the model
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CompletionRequest carries one provider call
type CompletionRequest struct {
	Messages       []Message  `json:"messages"`
	System         string     `json:"system,omitempty"`
	Tools          []ToolSpec `json:"tools,omitempty"`
	MaxTokens      int        `json:"max_tokens,omitempty"`
	EnableThinking bool       `json:"enable_thinking,omitempty"`
}

// Stop reasons
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Usage carries token counts for one completion
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletionResponse is a full (non-streaming) provider reply
type CompletionResponse struct {
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the response's text blocks
func (r *CompletionResponse) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolUses returns the response's tool invocation blocks
func (r *CompletionResponse) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

// Model tiers, ordered by capability.
type Tier int

const (
	TierFast Tier = iota
	TierStandard
	TierCapable
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStandard:
		return "standard"
	case TierCapable:
		return "capable"
	}
	return "unknown"
}

// Provider is a single LLM backend
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic")
	Name() string
	// Tier returns the provider's declared capability tier
	Tier() Tier
	// Complete sends one request and blocks for the full response
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// IsAvailable reports whether the provider is configured and usable
	IsAvailable() bool
	// CostPer1KTokens returns (input, output) USD rates for spend tracking
	CostPer1KTokens() (float64, float64)
}

// ProviderError is a typed provider failure. Status carries the HTTP-like
// code when the transport exposes one (0 otherwise).
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// overflow keywords matched against lowercased provider error messages
var overflowKeywords = []string{"context", "token", "too long", "maximum", "limit"}

// IsContextOverflow reports whether an error is the canonical
// context-overflow signal: HTTP 400/413, a known code, or a message
// containing an overflow keyword.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*ProviderError); ok {
		if pe.Status == 400 || pe.Status == 413 {
			return true
		}
		if pe.Code == "context_length_exceeded" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range overflowKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ClassifyErrorReason buckets a provider error for cooldown duration.
// Returns one of: billing, rate_limit, auth, timeout, other.
func ClassifyErrorReason(err error) string {
	if err == nil {
		return "other"
	}
	if pe, ok := err.(*ProviderError); ok {
		switch pe.Code {
		case "rate_limit_exceeded":
			return "rate_limit"
		case "authentication_error", "invalid_api_key", "unauthorized":
			return "auth"
		case "insufficient_quota", "billing_error", "payment_required":
			return "billing"
		}
		switch pe.Type {
		case "rate_limit_error":
			return "rate_limit"
		case "authentication_error":
			return "auth"
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"billing", "quota", "payment", "credit", "insufficient", "spending limit"} {
		if strings.Contains(msg, p) {
			return "billing"
		}
	}
	for _, p := range []string{"rate limit", "rate_limit", "too many requests", "429", "throttl", "slow down"} {
		if strings.Contains(msg, p) {
			return "rate_limit"
		}
	}
	for _, p := range []string{"authentication", "unauthorized", "api key", "401", "403", "forbidden", "invalid credentials"} {
		if strings.Contains(msg, p) {
			return "auth"
		}
	}
	for _, p := range []string{"timeout", "timed out", "deadline exceeded", "context deadline", "context canceled"} {
		if strings.Contains(msg, p) {
			return "timeout"
		}
	}
	return "other"
}
