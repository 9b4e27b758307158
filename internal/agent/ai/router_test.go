package ai

import (
	"context"
	"testing"
	"time"
)

// stubProvider is a scriptable provider for router tests
type stubProvider struct {
	name      string
	tier      Tier
	inRate    float64
	outRate   float64
	available bool
	err       error
	calls     int
}

func (s *stubProvider) Name() string                          { return s.name }
func (s *stubProvider) Tier() Tier                            { return s.tier }
func (s *stubProvider) IsAvailable() bool                     { return s.available }
func (s *stubProvider) CostPer1KTokens() (float64, float64)   { return s.inRate, s.outRate }
func (s *stubProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{
		Model:      s.name + "-model",
		Content:    []ContentBlock{TextBlock("ok from " + s.name)},
		StopReason: StopEndTurn,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func newTestRouter(providers ...Provider) *Router {
	return NewRouter(providers, nil, time.Minute)
}

func TestSelectProviderPrefersCheapestAtTier(t *testing.T) {
	cheap := &stubProvider{name: "cheap", tier: TierStandard, inRate: 0.1, outRate: 0.2, available: true}
	pricey := &stubProvider{name: "pricey", tier: TierStandard, inRate: 1, outRate: 2, available: true}
	r := newTestRouter(pricey, cheap)

	p, err := r.SelectProvider(TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "cheap" {
		t.Errorf("expected cheap provider, got %s", p.Name())
	}
}

func TestSelectProviderTierFloor(t *testing.T) {
	fast := &stubProvider{name: "fast", tier: TierFast, available: true}
	capable := &stubProvider{name: "capable", tier: TierCapable, inRate: 3, outRate: 15, available: true}
	r := newTestRouter(fast, capable)

	// A capable request must not land on the fast provider.
	p, err := r.SelectProvider(TierCapable)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "capable" {
		t.Errorf("expected capable provider, got %s", p.Name())
	}

	// A fast request may use either; the closest tier wins.
	p, _ = r.SelectProvider(TierFast)
	if p.Name() != "fast" {
		t.Errorf("expected fast provider for fast tier, got %s", p.Name())
	}
}

func TestSelectProviderSkipsUnavailable(t *testing.T) {
	down := &stubProvider{name: "down", tier: TierStandard, available: false}
	up := &stubProvider{name: "up", tier: TierStandard, available: true}
	r := newTestRouter(down, up)

	p, err := r.SelectProvider(TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "up" {
		t.Errorf("expected available provider, got %s", p.Name())
	}

	r = newTestRouter(down)
	if _, err := r.SelectProvider(TierStandard); err == nil {
		t.Error("expected error when nothing is available")
	}
}

func TestExecuteWithFallback(t *testing.T) {
	failing := &stubProvider{name: "failing", tier: TierStandard, available: true,
		err: &ProviderError{Message: "internal server error", Status: 500}}
	backup := &stubProvider{name: "backup", tier: TierStandard, inRate: 1, available: true}
	r := newTestRouter(failing, backup)

	resp, p, attempted, err := r.ExecuteWithFallback(context.Background(), &CompletionRequest{}, TierStandard)
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if p.Name() != "backup" {
		t.Errorf("expected backup to serve, got %s", p.Name())
	}
	if resp.Text() != "ok from backup" {
		t.Errorf("unexpected response text %q", resp.Text())
	}
	if len(attempted) != 2 || attempted[0] != "failing" || attempted[1] != "backup" {
		t.Errorf("attempted = %v", attempted)
	}

	// The failing provider is now cooling down and skipped entirely.
	_, p2, attempted2, err := r.ExecuteWithFallback(context.Background(), &CompletionRequest{}, TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Name() != "backup" || len(attempted2) != 1 {
		t.Errorf("cooldown not applied: served=%s attempted=%v", p2.Name(), attempted2)
	}
}

func TestExecuteWithFallbackExhaustion(t *testing.T) {
	a := &stubProvider{name: "a", tier: TierFast, available: true,
		err: &ProviderError{Message: "boom", Status: 500}}
	b := &stubProvider{name: "b", tier: TierFast, available: true,
		err: &ProviderError{Message: "bang", Status: 502}}
	r := newTestRouter(a, b)

	_, _, attempted, err := r.ExecuteWithFallback(context.Background(), &CompletionRequest{}, TierFast)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if len(attempted) != 2 {
		t.Errorf("expected both providers attempted, got %v", attempted)
	}
}

func TestContextOverflowReturnsImmediately(t *testing.T) {
	overflowing := &stubProvider{name: "overflowing", tier: TierStandard, available: true,
		err: &ProviderError{Message: "request too large", Status: 413}}
	backup := &stubProvider{name: "backup", tier: TierStandard, inRate: 1, available: true}
	r := newTestRouter(overflowing, backup)

	_, p, _, err := r.ExecuteWithFallback(context.Background(), &CompletionRequest{}, TierStandard)
	if !IsContextOverflow(err) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	// Overflow must surface for emergency compression, not trigger fallback.
	if p.Name() != "overflowing" {
		t.Errorf("overflow should return the provider that overflowed, got %s", p.Name())
	}
	if backup.calls != 0 {
		t.Error("backup must not be tried on context overflow")
	}
}

func TestAnalyzeComplexity(t *testing.T) {
	tests := []struct {
		message string
		want    Tier
	}{
		{"hi", TierFast},
		{"what's the weather like?", TierFast},
		{"Can you summarize this document and compare it with last week's?", TierStandard},
		{"Please analyze this code, refactor the parser, fix the failing tests, and write a design summary:\n```go\nfunc main() {}\n```", TierCapable},
	}
	for _, tt := range tests {
		if got := AnalyzeComplexity(tt.message); got != tt.want {
			t.Errorf("AnalyzeComplexity(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}
