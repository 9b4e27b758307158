package ai

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sageloop/sage/internal/logging"
)

// providerCooldownState tracks failure state for one provider
type providerCooldownState struct {
	failureCount  int
	cooldownUntil time.Time
}

// Router selects a provider for a requested tier and executes requests
// with fallback across the ranked list. Failed providers cool down with
// exponential backoff so a broken backend does not absorb every turn.
type Router struct {
	providers []Provider
	tracker   *CostTracker
	timeout   time.Duration

	cooldownMu sync.RWMutex
	cooldowns  map[string]*providerCooldownState
}

// NewRouter creates a router over the configured providers
func NewRouter(providers []Provider, tracker *CostTracker, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Router{
		providers: providers,
		tracker:   tracker,
		timeout:   timeout,
		cooldowns: make(map[string]*providerCooldownState),
	}
}

// Tracker exposes the cost tracker for budget gating
func (r *Router) Tracker() *CostTracker {
	return r.tracker
}

// ranked returns available, non-cooling providers whose tier matches or
// exceeds the request, cheapest first on ties.
func (r *Router) ranked(tier Tier) []Provider {
	var out []Provider
	for _, p := range r.providers {
		if p.Tier() < tier {
			continue
		}
		if !p.IsAvailable() {
			continue
		}
		if r.isInCooldown(p.Name()) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier() != out[j].Tier() {
			return out[i].Tier() < out[j].Tier() // closest tier first
		}
		iIn, iOut := out[i].CostPer1KTokens()
		jIn, jOut := out[j].CostPer1KTokens()
		return iIn+iOut < jIn+jOut
	})
	return out
}

// SelectProvider returns the best provider for the tier
func (r *Router) SelectProvider(tier Tier) (Provider, error) {
	candidates := r.ranked(tier)
	if len(candidates) == 0 {
		return nil, &ProviderError{Message: fmt.Sprintf("no provider available for tier %s", tier)}
	}
	return candidates[0], nil
}

// ExecuteWithFallback runs the request against the ranked list, returning
// the first success along with the provider that served it and the names
// of every provider attempted.
func (r *Router) ExecuteWithFallback(ctx context.Context, req *CompletionRequest, tier Tier) (*CompletionResponse, Provider, []string, error) {
	candidates := r.ranked(tier)
	if len(candidates) == 0 {
		return nil, nil, nil, &ProviderError{Message: fmt.Sprintf("no provider available for tier %s", tier)}
	}

	var attempted []string
	var lastErr error
	for _, p := range candidates {
		attempted = append(attempted, p.Name())
		resp, err := r.CompleteWith(ctx, p, req)
		if err == nil {
			return resp, p, attempted, nil
		}
		lastErr = err
		// Context overflow is the caller's problem (emergency compression),
		// not a provider health issue.
		if IsContextOverflow(err) {
			return nil, p, attempted, err
		}
		r.MarkFailed(p.Name(), err)
		logging.Warnf("[router] %s failed (%s), trying next: %v", p.Name(), ClassifyErrorReason(err), err)
	}
	return nil, nil, attempted, fmt.Errorf("all providers exhausted: %w", lastErr)
}

// CompleteWith runs one provider call under the router's timeout.
func (r *Router) CompleteWith(ctx context.Context, p Provider, req *CompletionRequest) (*CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := p.Complete(callCtx, req)
	if err == nil {
		r.markSucceeded(p.Name())
	}
	return resp, err
}

// MarkFailed puts a provider into exponential-backoff cooldown:
// 5s, 10s, 20s, ... capped at 1 hour.
func (r *Router) MarkFailed(name string, err error) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	state := r.cooldowns[name]
	if state == nil {
		state = &providerCooldownState{}
		r.cooldowns[name] = state
	}
	state.failureCount++
	backoffSeconds := 5 << (state.failureCount - 1)
	if backoffSeconds > 3600 || backoffSeconds <= 0 {
		backoffSeconds = 3600
	}
	// Auth and billing failures do not fix themselves quickly.
	switch ClassifyErrorReason(err) {
	case "auth", "billing":
		if backoffSeconds < 300 {
			backoffSeconds = 300
		}
	}
	state.cooldownUntil = time.Now().Add(time.Duration(backoffSeconds) * time.Second)
}

func (r *Router) markSucceeded(name string) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	delete(r.cooldowns, name)
}

func (r *Router) isInCooldown(name string) bool {
	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()
	state := r.cooldowns[name]
	if state == nil {
		return false
	}
	return time.Now().Before(state.cooldownUntil)
}
