// Package runner drives one agent turn: budget gating, provider
// selection, the tool-use iteration loop, and per-call cost accounting.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/memory"
	"github.com/sageloop/sage/internal/agent/skills"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// ErrSessionNotFound is returned when the session id does not exist
var ErrSessionNotFound = errors.New("session not found")

// ProgressEvent reports intermediate turn activity to the host
type ProgressEvent struct {
	Type string `json:"type"` // thinking, tool_start, tool_complete, status
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// Attachment is user-supplied media accompanying a message
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// TurnResult is the outcome of one processed message
type TurnResult struct {
	Response   string   `json:"response"`
	Usage      ai.Usage `json:"usage"`
	Iterations int      `json:"iterations"`
}

// Runner orchestrates agent turns. One active turn per session at a
// time; the caller serialises turns per session.
type Runner struct {
	sessions  *db.SessionManager
	router    *ai.Router
	engine    *memory.Engine
	extractor *memory.Extractor
	registry  *skills.Registry
	collector *Collector
	cfg       *config.Config

	mu           sync.Mutex
	lastResponse string
}

// New creates a runner
func New(sessions *db.SessionManager, router *ai.Router, engine *memory.Engine,
	extractor *memory.Extractor, registry *skills.Registry, cfg *config.Config) *Runner {
	return &Runner{
		sessions:  sessions,
		router:    router,
		engine:    engine,
		extractor: extractor,
		registry:  registry,
		collector: NewCollector(engine),
		cfg:       cfg,
	}
}

// ProcessMessage runs one full agent turn for a session.
func (r *Runner) ProcessMessage(ctx context.Context, sessionID, userMessage string,
	attachments []Attachment, onProgress func(ProgressEvent), shouldStop func() bool) (*TurnResult, error) {

	if onProgress == nil {
		onProgress = func(ProgressEvent) {}
	}
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}

	session, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if tracker := r.router.Tracker(); tracker != nil {
		if ok, reason := tracker.CanMakeRequest(); !ok {
			return &TurnResult{Response: budgetRefusal(reason)}, nil
		}
	}

	mediaBlocks := r.processAttachments(attachments)

	tier := ai.AnalyzeComplexity(userMessage)
	provider, err := r.router.SelectProvider(tier)
	if err != nil {
		return nil, err
	}
	logging.Debugf("[runner] tier=%s provider=%s", tier, provider.Name())

	// The session stores the original text; media blocks ride along only
	// in this turn's first provider call.
	if err := r.sessions.AppendMessage(session.ID, db.Message{Role: "user", Content: userMessage}); err != nil {
		return nil, err
	}
	r.collector.Add(session.ID, "conversation/user-message", userMessage)
	r.mu.Lock()
	prevResponse := r.lastResponse
	r.mu.Unlock()
	if r.extractor != nil {
		r.extractor.Go(session.ID, userMessage, prevResponse)
	}

	systemPrompt := r.buildSystemPrompt(ctx, userMessage, session.ID)
	tools := r.registry.ToolSpecs()

	var totalUsage ai.Usage
	var finalResponse string
	iterations := 0

	for iterations < r.cfg.Agent.MaxIterations {
		iterations++

		if shouldStop() {
			finalResponse = "Stopped at your request."
			break
		}
		if tracker := r.router.Tracker(); tracker != nil {
			if ok, reason := tracker.CanMakeRequest(); !ok {
				finalResponse = budgetRefusal(reason)
				break
			}
		}

		stored, err := r.sessions.GetMessages(session.ID, 0)
		if err != nil {
			return nil, err
		}
		window := BuildWindow(stored, r.cfg.Agent.VerbatimTurns, r.cfg.Agent.DigestCharBudget)
		if iterations == 1 && len(mediaBlocks) > 0 {
			window = attachMedia(window, mediaBlocks)
		}

		req := &ai.CompletionRequest{
			Messages:  window,
			System:    systemPrompt,
			Tools:     tools,
			MaxTokens: r.cfg.Agent.MaxTokens,
		}
		resp, servedBy, err := r.executeWithRecovery(ctx, req, tier)
		if err != nil {
			return nil, err
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		// One ledger entry per provider call, so a multi-step turn shows
		// each call's model and token split.
		if tracker := r.router.Tracker(); tracker != nil {
			if err := tracker.RecordUsage(servedBy, resp.Model, session.ID, resp.Usage); err != nil {
				logging.Warnf("[runner] cost record failed: %v", err)
			}
		}

		text := resp.Text()
		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			// Some models emit tool calls as JSON in the text body.
			if parsed := ParseToolCallsFromText(text); len(parsed) > 0 {
				blocks := append([]ai.ContentBlock{}, resp.Content...)
				blocks = append(blocks, parsed...)
				resp.Content = blocks
				toolUses = parsed
			}
		}

		if resp.StopReason == ai.StopEndTurn || len(toolUses) == 0 {
			finalResponse = text
			r.appendAssistant(session.ID, resp.Content, text)
			break
		}

		if cleaned := CleanAssistantText(text); cleaned != "" {
			onProgress(ProgressEvent{Type: "thinking", Text: cleaned})
		}
		r.appendAssistant(session.ID, resp.Content, "")

		results := r.dispatchTools(ctx, session.ID, toolUses, onProgress)
		if err := r.sessions.AppendMessage(session.ID, db.Message{Role: "user", Blocks: mustMarshal(results)}); err != nil {
			logging.Errorf("[runner] append tool results failed: %v", err)
		}

		if iterations == r.cfg.Agent.MaxIterations {
			finalResponse = fmt.Sprintf(
				"I hit my per-turn step limit (%d steps) before finishing. Progress so far: %s",
				r.cfg.Agent.MaxIterations, summarizeToolResults(results))
			r.appendAssistant(session.ID, nil, finalResponse)
		}
	}

	if err := r.sessions.AddTokenUsage(session.ID, totalUsage.InputTokens, totalUsage.OutputTokens); err != nil {
		logging.Warnf("[runner] token accounting failed: %v", err)
	}
	if finalResponse != "" {
		r.collector.Add(session.ID, "conversation/assistant-response", finalResponse)
	}
	r.collector.Flush(ctx)
	r.mu.Lock()
	r.lastResponse = finalResponse
	r.mu.Unlock()

	return &TurnResult{Response: finalResponse, Usage: totalUsage, Iterations: iterations}, nil
}

// executeWithRecovery tries the ranked providers, handling context
// overflow with one same-provider retry on a compressed window.
func (r *Runner) executeWithRecovery(ctx context.Context, req *ai.CompletionRequest, tier ai.Tier) (*ai.CompletionResponse, ai.Provider, error) {
	resp, provider, _, err := r.router.ExecuteWithFallback(ctx, req, tier)
	if err == nil {
		return resp, provider, nil
	}
	if !ai.IsContextOverflow(err) {
		return nil, nil, err
	}
	logging.Warnf("[runner] context overflow on %s, retrying compressed", provider.Name())
	compressed := *req
	compressed.Messages = EmergencyCompress(req.Messages)
	resp, err = r.router.CompleteWith(ctx, provider, &compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("compressed retry failed: %w", err)
	}
	return resp, provider, nil
}

// dispatchTools executes each tool call and returns the tool_result
// blocks in call order.
func (r *Runner) dispatchTools(ctx context.Context, sessionID string, uses []ai.ContentBlock, onProgress func(ProgressEvent)) []ai.ContentBlock {
	results := make([]ai.ContentBlock, 0, len(uses))
	for _, tu := range uses {
		onProgress(ProgressEvent{Type: "tool_start", Tool: tu.Name})
		res := r.registry.Execute(ctx, skills.Invocation{
			SkillName: tu.Name,
			Args:      tu.Input,
			Cwd:       r.cfg.Workspace,
		})
		results = append(results, ai.ToolResultBlock(tu.ID, res.Output, !res.Success))
		if res.Success {
			r.collector.Add(sessionID, "skill-execution/"+tu.Name, truncate(res.Output, 500))
		}
		onProgress(ProgressEvent{Type: "tool_complete", Tool: tu.Name})
	}
	return results
}

// processAttachments converts media into content blocks. Failures log
// and drop; the turn continues text-only.
func (r *Runner) processAttachments(attachments []Attachment) []ai.ContentBlock {
	var blocks []ai.ContentBlock
	for _, a := range attachments {
		if len(a.Data) == 0 {
			logging.Warnf("[runner] skipping empty attachment %s", a.Name)
			continue
		}
		blocks = append(blocks, ai.TextBlock(fmt.Sprintf("[Attachment: %s (%s, %d bytes)]", a.Name, a.MimeType, len(a.Data))))
	}
	return blocks
}

// attachMedia appends media blocks to the final user message of the
// first provider call.
func attachMedia(window []ai.Message, media []ai.ContentBlock) []ai.Message {
	if len(window) == 0 {
		return window
	}
	last := &window[len(window)-1]
	if last.Role != "user" {
		return window
	}
	blocks := last.Blocks
	if len(blocks) == 0 && last.Content != "" {
		blocks = []ai.ContentBlock{ai.TextBlock(last.Content)}
	}
	last.Blocks = append(blocks, media...)
	last.Content = ""
	return window
}

func (r *Runner) appendAssistant(sessionID string, blocks []ai.ContentBlock, text string) {
	msg := db.Message{Role: "assistant", Content: text}
	if len(blocks) > 0 {
		msg.Blocks = mustMarshal(blocks)
		msg.Content = ""
	}
	if err := r.sessions.AppendMessage(sessionID, msg); err != nil {
		logging.Errorf("[runner] append assistant failed: %v", err)
	}
}

func budgetRefusal(reason string) string {
	return "I can't run this request right now: " + reason + ". The spending cap resets automatically."
}

func summarizeToolResults(results []ai.ContentBlock) string {
	var parts []string
	for _, b := range results {
		status := "ok"
		if b.IsError {
			status = "failed"
		}
		parts = append(parts, status)
	}
	if len(parts) == 0 {
		return "no tool calls completed"
	}
	return fmt.Sprintf("%d tool calls (%s)", len(parts), strings.Join(parts, ", "))
}

func mustMarshal(blocks []ai.ContentBlock) json.RawMessage {
	raw, err := json.Marshal(blocks)
	if err != nil {
		return nil
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
