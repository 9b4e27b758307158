package ai

import (
	"fmt"
	"sync"
	"time"

	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// CostTracker enforces day and month spend caps against the append-only
// ledger. Running totals live in memory, seeded from the ledger at startup;
// updates happen under the mutex.
type CostTracker struct {
	mu         sync.Mutex
	store      *db.Store
	dailyCap   float64 // 0 = uncapped
	monthlyCap float64
	daySpend   float64
	monthSpend float64
	dayStart   time.Time
	monthStart time.Time
}

// NewCostTracker seeds running totals from the ledger
func NewCostTracker(store *db.Store, dailyCap, monthlyCap float64) (*CostTracker, error) {
	t := &CostTracker{store: store, dailyCap: dailyCap, monthlyCap: monthlyCap}
	now := time.Now()
	t.dayStart = startOfDay(now)
	t.monthStart = startOfMonth(now)
	var err error
	if t.daySpend, err = store.SpendSince(t.dayStart); err != nil {
		return nil, fmt.Errorf("failed to seed day spend: %w", err)
	}
	if t.monthSpend, err = store.SpendSince(t.monthStart); err != nil {
		return nil, fmt.Errorf("failed to seed month spend: %w", err)
	}
	return t, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// rollover resets window totals when the clock crosses a boundary.
// Caller holds the mutex.
func (t *CostTracker) rollover(now time.Time) {
	if day := startOfDay(now); day.After(t.dayStart) {
		t.dayStart = day
		t.daySpend = 0
	}
	if month := startOfMonth(now); month.After(t.monthStart) {
		t.monthStart = month
		t.monthSpend = 0
	}
}

// CanMakeRequest reports whether a new request fits the caps. The denial
// reason is a short human-readable message suitable for the user.
func (t *CostTracker) CanMakeRequest() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())
	if t.dailyCap > 0 && t.daySpend >= t.dailyCap {
		return false, fmt.Sprintf("daily budget of $%.2f reached ($%.2f spent)", t.dailyCap, t.daySpend)
	}
	if t.monthlyCap > 0 && t.monthSpend >= t.monthlyCap {
		return false, fmt.Sprintf("monthly budget of $%.2f reached ($%.2f spent)", t.monthlyCap, t.monthSpend)
	}
	return true, ""
}

// RecordUsage appends to the ledger and bumps the running totals.
func (t *CostTracker) RecordUsage(provider Provider, model, sessionID string, usage Usage) error {
	inRate, outRate := provider.CostPer1KTokens()
	cost := float64(usage.InputTokens)/1000*inRate + float64(usage.OutputTokens)/1000*outRate

	if err := t.store.RecordCost(db.CostRecord{
		Model:        model,
		Provider:     provider.Name(),
		SessionID:    sessionID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         cost,
	}); err != nil {
		return err
	}

	t.mu.Lock()
	t.rollover(time.Now())
	t.daySpend += cost
	t.monthSpend += cost
	t.mu.Unlock()

	if cost > 0 {
		logging.Debugf("[cost] %s/%s in=%d out=%d cost=$%.4f", provider.Name(), model,
			usage.InputTokens, usage.OutputTokens, cost)
	}
	return nil
}

// Spend returns the current (day, month) totals
func (t *CostTracker) Spend() (float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover(time.Now())
	return t.daySpend, t.monthSpend
}
