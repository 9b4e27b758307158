package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/sageloop/sage/internal/logging"
)

// OpenAIProvider implements the OpenAI API using the official SDK
type OpenAIProvider struct {
	client  openai.Client
	model   string
	tier    Tier
	inRate  float64
	outRate float64
	apiKey  string
}

// NewOpenAIProvider creates an OpenAI provider at the given tier
func NewOpenAIProvider(apiKey, model string, tier Tier, inRate, outRate float64) *OpenAIProvider {
	return &OpenAIProvider{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		tier:    tier,
		inRate:  inRate,
		outRate: outRate,
		apiKey:  apiKey,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Tier() Tier { return p.tier }

func (p *OpenAIProvider) IsAvailable() bool { return p.apiKey != "" }

func (p *OpenAIProvider) CostPer1KTokens() (float64, float64) { return p.inRate, p.outRate }

// Complete sends one request and blocks for the full response
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: buildOpenAIMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				logging.Warnf("[openai] bad tool schema for %s: %v", spec.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Message: "openai returned no choices"}
	}

	choice := resp.Choices[0]
	out := &CompletionResponse{
		Model:      resp.Model,
		StopReason: mapOpenAIFinishReason(string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, ToolUseBlock(
			tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	return out, nil
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// buildOpenAIMessages converts to the chat-completions message form.
// tool_use becomes assistant tool_calls; tool_result becomes a tool role
// message keyed by tool_call_id.
func buildOpenAIMessages(req *CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if msg.Content != "" {
				result = append(result, openai.UserMessage(msg.Content))
			}
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockText:
					result = append(result, openai.UserMessage(b.Text))
				case BlockToolResult:
					content := b.Content
					if b.IsError {
						content = "Error: " + content
					}
					result = append(result, openai.ToolMessage(content, b.ToolUseID))
				}
			}

		case "assistant":
			var text string
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			if len(msg.Blocks) == 0 {
				text = msg.Content
			}
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockText:
					text += b.Text
				case BlockToolUse:
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
						ID:   b.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      b.Name,
							Arguments: string(b.Input),
						},
					})
				}
			}
			if text == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if text != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &assistantMsg,
			})
		}
	}
	return result
}

func wrapOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Message: fmt.Sprintf("openai: %s", err.Error()),
			Status:  apierr.StatusCode,
		}
	}
	return &ProviderError{Message: err.Error()}
}
