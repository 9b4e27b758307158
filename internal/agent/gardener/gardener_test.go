package gardener

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/embeddings"
	"github.com/sageloop/sage/internal/agent/memory"
	"github.com/sageloop/sage/internal/agent/schedule"
	"github.com/sageloop/sage/internal/db"
)

func newTestGardener(t *testing.T) (*Gardener, *db.Store) {
	t.Helper()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	engine := memory.NewEngine(store, embeddings.NewService(store, nil), cfg.Memory)
	scheduler := schedule.NewScheduler(store, func(*db.ScheduledItem) error { return nil })
	sessions := db.NewSessionManager(store)
	return New(store, engine, scheduler, sessions, nil, cfg.Gardener, cfg.Memory), store
}

// at returns a UTC time with the given hour. The test store has no
// timezone profile, so UserTimezone falls back to UTC.
func at(hour int) time.Time {
	return time.Date(2026, 1, 14, hour, 30, 0, 0, time.UTC)
}

func TestInQuietHoursWrapAround(t *testing.T) {
	g, _ := newTestGardener(t)
	g.cfg.QuietHoursStart = 23
	g.cfg.QuietHoursEnd = 7

	for _, hour := range []int{23, 0, 3, 6} {
		if !g.inQuietHours(at(hour)) {
			t.Errorf("hour %d should be quiet", hour)
		}
	}
	for _, hour := range []int{7, 12, 22} {
		if g.inQuietHours(at(hour)) {
			t.Errorf("hour %d should not be quiet", hour)
		}
	}
}

func TestInQuietHoursSameDayWindow(t *testing.T) {
	g, _ := newTestGardener(t)
	g.cfg.QuietHoursStart = 13
	g.cfg.QuietHoursEnd = 15

	if !g.inQuietHours(at(13)) || !g.inQuietHours(at(14)) {
		t.Error("inside window should be quiet")
	}
	if g.inQuietHours(at(15)) || g.inQuietHours(at(12)) {
		t.Error("outside window should not be quiet")
	}
}

func TestInQuietHoursEqualBoundsAlwaysQuiet(t *testing.T) {
	g, _ := newTestGardener(t)
	g.cfg.QuietHoursStart = 5
	g.cfg.QuietHoursEnd = 5
	for hour := 0; hour < 24; hour++ {
		if !g.inQuietHours(at(hour)) {
			t.Fatalf("equal bounds must mean always quiet, hour %d was not", hour)
		}
	}
}

func TestIntervalElapsed(t *testing.T) {
	g, _ := newTestGardener(t)
	now := time.Now()

	// No recorded fire yet means due.
	if !g.intervalElapsed(keyLastDeep, time.Hour, now) {
		t.Error("unset key must count as elapsed")
	}

	g.recordFire(keyLastDeep, now)
	if g.intervalElapsed(keyLastDeep, time.Hour, now.Add(30*time.Minute)) {
		t.Error("half the interval must not be elapsed")
	}
	if !g.intervalElapsed(keyLastDeep, time.Hour, now.Add(2*time.Hour)) {
		t.Error("double the interval must be elapsed")
	}
}

func TestSleepDeferredOutsideQuietHours(t *testing.T) {
	g, store := newTestGardener(t)
	g.cfg.QuietHoursStart = 23
	g.cfg.QuietHoursEnd = 7

	// Sleep is due (key unset) but 14:30 is outside quiet hours.
	g.tick(at(14))
	if raw, _ := store.GetRuntimeKey(keyLastSleep); raw != "" {
		t.Error("sleep must not fire outside quiet hours")
	}

	// The first tick inside the window fires the deferred cycle.
	g.tick(at(2))
	if raw, _ := store.GetRuntimeKey(keyLastSleep); raw == "" {
		t.Error("due sleep must fire inside quiet hours")
	}
}

func TestDeepTickArchivesAndRecords(t *testing.T) {
	g, store := newTestGardener(t)
	stale := &db.Memory{
		UserID:     db.PrimaryUserID,
		Content:    "User once tried rollerblading",
		Category:   db.CategoryEvent,
		Prominence: 0.02,
	}
	if err := store.AddMemory(stale); err != nil {
		t.Fatal(err)
	}

	future := time.Now().AddDate(0, 0, g.memCfg.MinAgeDays+1)
	g.tick(future)

	if raw, _ := store.GetRuntimeKey(keyLastDeep); raw == "" {
		t.Error("deep fire must be recorded")
	}
	got, err := store.GetMemory(stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsLatest {
		t.Error("deep tick must archive decayed memories")
	}
}

func TestLightTickFiresReminders(t *testing.T) {
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	var fired int
	cfg := config.DefaultConfig()
	engine := memory.NewEngine(store, embeddings.NewService(store, nil), cfg.Memory)
	scheduler := schedule.NewScheduler(store, func(*db.ScheduledItem) error {
		fired++
		return nil
	})
	g := New(store, engine, scheduler, db.NewSessionManager(store), nil, cfg.Gardener, cfg.Memory)

	now := time.Now()
	if _, err := store.AddScheduledItem(&db.ScheduledItem{
		UserID:    db.PrimaryUserID,
		Source:    "user",
		ItemType:  db.ItemReminder,
		Message:   "stretch",
		TriggerAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	g.lightTick(now)
	if fired != 1 {
		t.Errorf("light tick must fire due reminders, fired %d", fired)
	}
}
