package ai

import (
	"path/filepath"
	"testing"

	"github.com/sageloop/sage/internal/db"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCostTrackerCaps(t *testing.T) {
	store := openTestStore(t)
	tracker, err := NewCostTracker(store, 0.05, 0)
	if err != nil {
		t.Fatal(err)
	}

	ok, _ := tracker.CanMakeRequest()
	if !ok {
		t.Fatal("fresh tracker must allow requests")
	}

	p := &stubProvider{name: "test", tier: TierStandard, inRate: 1, outRate: 2, available: true}
	// 20k input + 10k output at $1/$2 per 1K = $40, way past the $0.05 cap.
	if err := tracker.RecordUsage(p, "test-model", "s1", Usage{InputTokens: 20000, OutputTokens: 10000}); err != nil {
		t.Fatal(err)
	}

	ok, reason := tracker.CanMakeRequest()
	if ok {
		t.Fatal("expected budget denial")
	}
	if reason == "" {
		t.Error("denial must carry a human-readable reason")
	}

	day, month := tracker.Spend()
	if day != 40 || month != 40 {
		t.Errorf("expected $40 spend, got day=%f month=%f", day, month)
	}

	// Totals are seeded from the ledger on restart.
	tracker2, err := NewCostTracker(store, 0.05, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := tracker2.CanMakeRequest(); ok {
		t.Error("reseeded tracker must still deny")
	}
}

func TestCostTrackerUncapped(t *testing.T) {
	store := openTestStore(t)
	tracker, err := NewCostTracker(store, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	p := &stubProvider{name: "test", tier: TierFast, inRate: 10, outRate: 10, available: true}
	if err := tracker.RecordUsage(p, "m", "s", Usage{InputTokens: 1000000, OutputTokens: 1000000}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := tracker.CanMakeRequest(); !ok {
		t.Error("zero caps mean uncapped")
	}
}

func TestRecordUsageWritesLedger(t *testing.T) {
	store := openTestStore(t)
	tracker, err := NewCostTracker(store, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	p := &stubProvider{name: "ollama", tier: TierFast, available: true}
	if err := tracker.RecordUsage(p, "llama3.2", "sess-1", Usage{InputTokens: 100, OutputTokens: 50}); err != nil {
		t.Fatal(err)
	}
	n, err := store.CostEntryCount("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one ledger row, got %d", n)
	}
}
