package memory

import (
	"testing"
	"time"

	"github.com/sageloop/sage/internal/db"
)

func TestComputeProminenceByType(t *testing.T) {
	now := time.Now()
	created := now.AddDate(0, 0, -30)

	static := &db.Memory{MemoryType: db.TypeStaticProfile, Prominence: 0.8, CreatedAt: created}
	event := &db.Memory{MemoryType: db.TypeRegular, Category: db.CategoryEvent, Prominence: 0.8, CreatedAt: created}
	pref := &db.Memory{MemoryType: db.TypeRegular, Category: db.CategoryPreference, Prominence: 0.8, CreatedAt: created}

	ps := ComputeProminence(static, now)
	pe := ComputeProminence(event, now)
	pp := ComputeProminence(pref, now)

	if ps < 0.79 {
		t.Errorf("profile facts must barely decay, got %f", ps)
	}
	if pe >= pp {
		t.Errorf("events must decay faster than preferences: event=%f pref=%f", pe, pp)
	}
	if pp >= ps {
		t.Errorf("preferences must decay faster than profile: pref=%f profile=%f", pp, ps)
	}
}

func TestComputeProminenceSignals(t *testing.T) {
	now := time.Now()
	base := &db.Memory{MemoryType: db.TypeRegular, Prominence: 0.5, CreatedAt: now}

	accessed := *base
	accessed.AccessCount = 10
	if ComputeProminence(&accessed, now) <= ComputeProminence(base, now) {
		t.Error("access count must raise prominence")
	}

	contradicted := *base
	contradicted.ContradictionIDs = []string{"a", "b"}
	if ComputeProminence(&contradicted, now) >= ComputeProminence(base, now) {
		t.Error("contradictions must lower prominence")
	}

	// Clamping.
	hot := &db.Memory{MemoryType: db.TypeRegular, Prominence: 1.0, AccessCount: 1000, CreatedAt: now}
	if p := ComputeProminence(hot, now); p > 1 {
		t.Errorf("prominence must clamp to 1, got %f", p)
	}
	cold := &db.Memory{MemoryType: db.TypeRegular, Prominence: 0.01, CreatedAt: now.AddDate(-1, 0, 0), ContradictionIDs: []string{"a", "b", "c"}}
	if p := ComputeProminence(cold, now); p < 0 {
		t.Errorf("prominence must clamp to 0, got %f", p)
	}
}

func TestRunDecayArchivesStaleLowProminence(t *testing.T) {
	engine, store := newTestEngine(t)
	now := time.Now()

	stale := &db.Memory{
		UserID:     db.PrimaryUserID,
		Content:    "User once mentioned a pop-up shop",
		Category:   db.CategoryEvent,
		Prominence: 0.05,
	}
	if err := store.AddMemory(stale); err != nil {
		t.Fatal(err)
	}
	profile := &db.Memory{
		UserID:     db.PrimaryUserID,
		Content:    "User's name is Ann",
		MemoryType: db.TypeStaticProfile,
		Prominence: 0.05,
	}
	if err := store.AddMemory(profile); err != nil {
		t.Fatal(err)
	}

	// Fresh entries sit inside the grace period and survive.
	if _, archived, err := engine.RunDecay(now); err != nil {
		t.Fatal(err)
	} else if archived != 0 {
		t.Fatalf("grace period ignored, archived %d", archived)
	}

	// Past the grace period the stale event archives; the profile never does.
	future := now.AddDate(0, 0, engine.cfg.MinAgeDays+1)
	if _, _, err := engine.RunDecay(future); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetMemory(stale.ID)
	if got.IsLatest {
		t.Error("stale low-prominence event must archive")
	}
	gotProfile, _ := store.GetMemory(profile.ID)
	if !gotProfile.IsLatest {
		t.Error("static profile must never archive")
	}
}

func TestArchiveLowUtilityRespectsCap(t *testing.T) {
	engine, store := newTestEngine(t)
	engine.cfg.ArchiveMaxPerRun = 2
	engine.cfg.MinAgeDays = 0

	for i := 0; i < 5; i++ {
		m := &db.Memory{
			UserID:     db.PrimaryUserID,
			Content:    "Low value note",
			Prominence: 0.01,
			Importance: 1,
		}
		if err := store.AddMemory(m); err != nil {
			t.Fatal(err)
		}
	}
	archived, err := engine.ArchiveLowUtility(time.Now().AddDate(0, 0, 30))
	if err != nil {
		t.Fatal(err)
	}
	if archived != 2 {
		t.Errorf("expected maxPerRun=2 archived, got %d", archived)
	}
}

func TestUtilityScoreMonotone(t *testing.T) {
	now := time.Now()
	low := &db.Memory{Prominence: 0.1, Importance: 1, CreatedAt: now, LastAccessed: now.AddDate(0, -6, 0)}
	high := &db.Memory{Prominence: 0.9, Importance: 9, AccessCount: 10, CreatedAt: now, LastAccessed: now}
	if UtilityScore(low, now) >= UtilityScore(high, now) {
		t.Error("utility must rise with prominence, access, recency, importance")
	}
}
