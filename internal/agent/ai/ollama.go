package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaProvider runs local models via the Ollama daemon. It is the
// fast-tier default: free, private, and available offline.
type OllamaProvider struct {
	client  *api.Client
	baseURL string
	model   string
}

// NewOllamaProvider creates an Ollama provider
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	httpClient := &http.Client{
		Timeout: 5 * time.Minute, // local inference is slow on small machines
	}
	return &OllamaProvider{
		client:  api.NewClient(parsedURL, httpClient),
		baseURL: baseURL,
		model:   model,
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Tier() Tier { return TierFast }

// CostPer1KTokens is zero: local inference is free
func (p *OllamaProvider) CostPer1KTokens() (float64, float64) { return 0, 0 }

// IsAvailable pings the daemon with a short timeout
func (p *OllamaProvider) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Heartbeat(ctx) == nil
}

// Complete sends one request and blocks for the full response
func (p *OllamaProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: p.buildMessages(req),
	}
	stream := false
	chatReq.Stream = &stream
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	out := &CompletionResponse{Model: p.model, StopReason: StopEndTurn}
	toolCallCounter := 0
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			out.Content = append(out.Content, TextBlock(resp.Message.Content))
		}
		for _, tc := range resp.Message.ToolCalls {
			toolCallCounter++
			argsJSON, _ := json.Marshal(tc.Function.Arguments.ToMap())
			out.Content = append(out.Content, ToolUseBlock(
				fmt.Sprintf("ollama-call-%d", toolCallCounter),
				tc.Function.Name,
				argsJSON,
			))
		}
		if resp.Done {
			out.Usage.InputTokens = resp.PromptEvalCount
			out.Usage.OutputTokens = resp.EvalCount
			if resp.DoneReason == "length" {
				out.StopReason = StopMaxTokens
			}
		}
		return nil
	})
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("ollama: %v", err)}
	}
	if toolCallCounter > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func (p *OllamaProvider) buildMessages(req *CompletionRequest) []api.Message {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			content := msg.Content
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockText:
					content += b.Text
				case BlockToolResult:
					// Ollama has no tool role pairing; fold results into text
					content += fmt.Sprintf("\n[Tool result] %s", b.Content)
				}
			}
			if content != "" {
				messages = append(messages, api.Message{Role: "user", Content: content})
			}
		case "assistant":
			content := msg.Content
			for _, b := range msg.Blocks {
				if b.Type == BlockText {
					content += b.Text
				}
			}
			if content != "" {
				messages = append(messages, api.Message{Role: "assistant", Content: content})
			}
		}
	}
	return messages
}

func (p *OllamaProvider) buildTools(specs []ToolSpec) api.Tools {
	var tools api.Tools
	for _, spec := range specs {
		var fn api.ToolFunction
		fn.Name = spec.Name
		fn.Description = spec.Description
		// ToolFunction.Parameters shares the JSON schema shape; unmarshal
		// the spec schema directly into it.
		if err := json.Unmarshal(spec.InputSchema, &fn.Parameters); err != nil {
			continue
		}
		tools = append(tools, api.Tool{Type: "function", Function: fn})
	}
	return tools
}
