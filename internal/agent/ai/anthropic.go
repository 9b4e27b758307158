package ai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sageloop/sage/internal/logging"
)

// AnthropicProvider implements the Anthropic Claude API using the official SDK
type AnthropicProvider struct {
	client  anthropic.Client
	model   string
	tier    Tier
	inRate  float64
	outRate float64
	apiKey  string
}

// NewAnthropicProvider creates an Anthropic provider at the given tier.
// Rates are USD per 1K tokens, used only for ledger accounting.
func NewAnthropicProvider(apiKey, model string, tier Tier, inRate, outRate float64) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		tier:    tier,
		inRate:  inRate,
		outRate: outRate,
		apiKey:  apiKey,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Tier() Tier { return p.tier }

func (p *AnthropicProvider) IsAvailable() bool { return p.apiKey != "" }

func (p *AnthropicProvider) CostPer1KTokens() (float64, float64) { return p.inRate, p.outRate }

// Complete sends one request and blocks for the full response
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
		if req.MaxTokens <= 0 {
			params.MaxTokens = 16384
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	out := &CompletionResponse{
		Model:      string(resp.Model),
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = append(out.Content, TextBlock(b.Text))
		case anthropic.ToolUseBlock:
			out.Content = append(out.Content, ToolUseBlock(b.ID, b.Name, json.RawMessage(b.Input)))
		case anthropic.ThinkingBlock:
			out.Content = append(out.Content, ContentBlock{Type: BlockThinking, Text: b.Thinking})
		}
	}
	return out, nil
}

// buildAnthropicMessages converts to the SDK message form. Tool pairing is
// already sanitized upstream; orphans are skipped here as a backstop.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	toolUseIDs := map[string]bool{}
	for _, msg := range msgs {
		for _, b := range msg.Blocks {
			if b.Type == BlockToolUse {
				toolUseIDs[b.ID] = true
			}
		}
	}

	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockText:
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				case BlockToolResult:
					if !toolUseIDs[b.ToolUseID] {
						logging.Warnf("[anthropic] skipping orphaned tool_result %s", b.ToolUseID)
						continue
					}
					blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
				}
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" && len(msg.Blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockText:
					if b.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(b.Text))
					}
				case BlockToolUse:
					var input map[string]any
					if err := json.Unmarshal(b.Input, &input); err != nil {
						input = map[string]any{}
					}
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    b.ID,
							Name:  b.Name,
							Input: input,
						},
					})
				}
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case "system":
			// System content travels via params.System
			continue
		}
	}
	return result
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema map[string]any
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			logging.Warnf("[anthropic] bad tool schema for %s: %v", spec.Name, err)
			continue
		}
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]any); ok {
			reqStrings := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					reqStrings = append(reqStrings, s)
				}
			}
			toolParam.InputSchema.Required = reqStrings
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

func wrapAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Message: err.Error(),
			Status:  apierr.StatusCode,
		}
	}
	return &ProviderError{Message: err.Error()}
}
