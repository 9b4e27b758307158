package runner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/embeddings"
	"github.com/sageloop/sage/internal/agent/memory"
	"github.com/sageloop/sage/internal/agent/skills"
	"github.com/sageloop/sage/internal/db"
)

// loopingProvider keeps requesting the same tool on every call.
type loopingProvider struct {
	calls int
}

func (p *loopingProvider) Name() string                        { return "looping" }
func (p *loopingProvider) Tier() ai.Tier                       { return ai.TierCapable }
func (p *loopingProvider) IsAvailable() bool                   { return true }
func (p *loopingProvider) CostPer1KTokens() (float64, float64) { return 0.003, 0.015 }
func (p *loopingProvider) Complete(_ context.Context, _ *ai.CompletionRequest) (*ai.CompletionResponse, error) {
	p.calls++
	return &ai.CompletionResponse{
		Model:      "looping-model",
		Content:    []ai.ContentBlock{ai.ToolUseBlock("call-1", "echo", json.RawMessage(`{"text":"again"}`))},
		StopReason: ai.StopToolUse,
		Usage:      ai.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// answeringProvider replies with plain text and ends the turn.
type answeringProvider struct{}

func (p *answeringProvider) Name() string                        { return "answering" }
func (p *answeringProvider) Tier() ai.Tier                       { return ai.TierCapable }
func (p *answeringProvider) IsAvailable() bool                   { return true }
func (p *answeringProvider) CostPer1KTokens() (float64, float64) { return 0.003, 0.015 }
func (p *answeringProvider) Complete(_ context.Context, _ *ai.CompletionRequest) (*ai.CompletionResponse, error) {
	return &ai.CompletionResponse{
		Model:      "answering-model",
		Content:    []ai.ContentBlock{ai.TextBlock("The capital of Ireland is Dublin.")},
		StopReason: ai.StopEndTurn,
		Usage:      ai.Usage{InputTokens: 20, OutputTokens: 8},
	}, nil
}

func newTestRunner(t *testing.T, provider ai.Provider) (*Runner, *db.Store, *db.Session) {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Agent.MaxIterations = 3

	sessions := db.NewSessionManager(store)
	engine := memory.NewEngine(store, embeddings.NewService(store, nil), cfg.Memory)
	registry := skills.NewRegistry(t.TempDir())
	if err := registry.RegisterBuiltin(&skills.Skill{Name: "echo", Description: "echoes input"},
		func(args json.RawMessage, _ string) (string, error) { return string(args), nil }); err != nil {
		t.Fatal(err)
	}
	router := ai.NewRouter([]ai.Provider{provider}, nil, time.Minute)

	session, err := sessions.GetOrCreate("test")
	if err != nil {
		t.Fatal(err)
	}
	return New(sessions, router, engine, nil, registry, cfg), store, session
}

func TestProcessMessageStepLimit(t *testing.T) {
	provider := &loopingProvider{}
	runner, store, session := newTestRunner(t, provider)

	result, err := runner.ProcessMessage(context.Background(), session.ID, "do the thing", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Iterations != 3 {
		t.Errorf("expected 3 iterations, got %d", result.Iterations)
	}
	if !strings.Contains(result.Response, "step limit") {
		t.Errorf("limit response wrong: %q", result.Response)
	}
	if provider.calls != 3 {
		t.Errorf("expected 3 provider calls, got %d", provider.calls)
	}

	// 1 user + 3 assistant tool requests + 3 tool results + 1 synthesized final.
	msgs, err := db.NewSessionManager(store).GetMessages(session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 8 {
		t.Errorf("expected 8 stored messages, got %d", len(msgs))
	}
	if result.Usage.InputTokens != 30 || result.Usage.OutputTokens != 15 {
		t.Errorf("usage not accumulated: %+v", result.Usage)
	}
}

func TestProcessMessagePlainAnswer(t *testing.T) {
	runner, store, session := newTestRunner(t, &answeringProvider{})

	result, err := runner.ProcessMessage(context.Background(), session.ID, "what's the capital of Ireland?", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Iterations != 1 {
		t.Errorf("expected 1 iteration, got %d", result.Iterations)
	}
	if result.Response != "The capital of Ireland is Dublin." {
		t.Errorf("got %q", result.Response)
	}
	msgs, _ := db.NewSessionManager(store).GetMessages(session.ID, 0)
	if len(msgs) != 2 {
		t.Errorf("expected user + assistant, got %d messages", len(msgs))
	}
}

func TestProcessMessageRecordsCostPerCall(t *testing.T) {
	provider := &loopingProvider{}
	runner, store, session := newTestRunner(t, provider)

	tracker, err := ai.NewCostTracker(store, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	runner.router = ai.NewRouter([]ai.Provider{provider}, tracker, time.Minute)

	if _, err := runner.ProcessMessage(context.Background(), session.ID, "go", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	// Three provider calls at the step limit, one ledger entry each.
	n, err := store.CostEntryCount(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected one ledger entry per provider call, got %d for 3 calls", n)
	}
}

func TestProcessMessageBudgetRefusal(t *testing.T) {
	provider := &answeringProvider{}
	runner, store, session := newTestRunner(t, provider)

	tracker, err := ai.NewCostTracker(store, 0.0001, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Push the day's spend over the cap.
	if err := tracker.RecordUsage(provider, "answering-model", session.ID, ai.Usage{InputTokens: 100000}); err != nil {
		t.Fatal(err)
	}
	runner.router = ai.NewRouter([]ai.Provider{provider}, tracker, time.Minute)

	result, err := runner.ProcessMessage(context.Background(), session.ID, "hello", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Response, "I can't run this request right now") {
		t.Errorf("expected refusal, got %q", result.Response)
	}
	if !strings.Contains(result.Response, "spending cap resets automatically") {
		t.Errorf("refusal must mention the reset: %q", result.Response)
	}
	msgs, _ := db.NewSessionManager(store).GetMessages(session.ID, 0)
	if len(msgs) != 0 {
		t.Errorf("a refused turn must store no messages, got %d", len(msgs))
	}
}

func TestProcessMessageUnknownSession(t *testing.T) {
	runner, _, _ := newTestRunner(t, &answeringProvider{})
	_, err := runner.ProcessMessage(context.Background(), "no-such-id", "hi", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestProcessMessageStopRequested(t *testing.T) {
	provider := &loopingProvider{}
	runner, _, session := newTestRunner(t, provider)

	result, err := runner.ProcessMessage(context.Background(), session.ID, "go", nil, nil,
		func() bool { return true })
	if err != nil {
		t.Fatal(err)
	}
	if provider.calls != 0 {
		t.Errorf("stopped turn must not call the provider, calls = %d", provider.calls)
	}
	if !strings.Contains(result.Response, "Stopped") {
		t.Errorf("got %q", result.Response)
	}
}
