// Package gardener runs the background maintenance cycle: a light tick
// that fires due reminders, a deep tick that decays and archives
// memories, and a sleep tick that consolidates during quiet hours.
package gardener

import (
	"context"
	"fmt"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/memory"
	"github.com/sageloop/sage/internal/agent/schedule"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Runtime keys recording last-fire instants, so restarts do not re-fire
// deep and sleep cycles immediately.
const (
	keyLastDeep  = "gardener_last_deep"
	keyLastSleep = "gardener_last_sleep"
)

type completer interface {
	ExecuteWithFallback(ctx context.Context, req *ai.CompletionRequest, tier ai.Tier) (*ai.CompletionResponse, ai.Provider, []string, error)
}

// Gardener owns the periodic maintenance cycle. All three tiers hang off
// one cron timer; deep and sleep gate themselves on persisted last-fire
// timestamps.
type Gardener struct {
	store     *db.Store
	engine    *memory.Engine
	scheduler *schedule.Scheduler
	sessions  *db.SessionManager
	llm       completer
	cfg       config.GardenerConfig
	memCfg    config.MemoryConfig
	cron      *cronlib.Cron
}

// New creates a gardener. llm may be nil; deep and sleep ticks then skip
// their summarisation work.
func New(store *db.Store, engine *memory.Engine, scheduler *schedule.Scheduler,
	sessions *db.SessionManager, llm completer, cfg config.GardenerConfig, memCfg config.MemoryConfig) *Gardener {
	return &Gardener{
		store:     store,
		engine:    engine,
		scheduler: scheduler,
		sessions:  sessions,
		llm:       llm,
		cfg:       cfg,
		memCfg:    memCfg,
	}
}

// Start registers the tick on a cron timer and begins running
func (g *Gardener) Start() error {
	g.cron = cronlib.New()
	spec := fmt.Sprintf("@every %dm", g.cfg.LightIntervalMinutes)
	if _, err := g.cron.AddFunc(spec, func() { g.tick(time.Now()) }); err != nil {
		return fmt.Errorf("gardener schedule: %w", err)
	}
	g.cron.Start()
	logging.Infof("[gardener] running, light tick %s", spec)
	return nil
}

// Stop halts the timer, waiting for a running tick to finish
func (g *Gardener) Stop() {
	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
}

// tick runs the light cycle and promotes to deep or sleep when their
// intervals have elapsed.
func (g *Gardener) tick(now time.Time) {
	g.lightTick(now)

	deepEvery := time.Duration(g.cfg.DeepIntervalMinutes) * time.Minute
	if g.intervalElapsed(keyLastDeep, deepEvery, now) {
		g.deepTick(now)
		g.recordFire(keyLastDeep, now)
	}

	sleepEvery := time.Duration(g.cfg.SleepIntervalHours) * time.Hour
	if g.intervalElapsed(keyLastSleep, sleepEvery, now) {
		// A due sleep tick outside quiet hours stays due; the first tick
		// inside the window fires it.
		if !g.inQuietHours(now) {
			return
		}
		g.sleepTick(now)
		g.recordFire(keyLastSleep, now)
	}
}

// lightTick fires due scheduled items. Never calls the LLM.
func (g *Gardener) lightTick(now time.Time) {
	g.scheduler.Tick(now)
}

// deepTick decays prominence, archives low-utility memories, and
// refreshes the dynamic profile.
func (g *Gardener) deepTick(now time.Time) {
	logging.Infof("[gardener] deep tick")

	updated, archived, err := g.engine.RunDecay(now)
	if err != nil {
		logging.Errorf("[gardener] decay failed: %v", err)
	} else if updated > 0 || archived > 0 {
		logging.Infof("[gardener] decay updated %d, archived %d", updated, archived)
	}

	if n, err := g.engine.ArchiveLowUtility(now); err != nil {
		logging.Errorf("[gardener] utility archive failed: %v", err)
	} else if n > 0 {
		logging.Infof("[gardener] archived %d low-utility memories", n)
	}

	if _, err := g.store.ConsolidateDuplicateScheduledItems(); err != nil {
		logging.Warnf("[gardener] consolidation failed: %v", err)
	}

	g.updateDynamicProfile(now)
}

// sleepTick does the heavy consolidation reserved for quiet hours.
func (g *Gardener) sleepTick(now time.Time) {
	logging.Infof("[gardener] sleep tick")

	g.summarizeSessions()
	g.reinforceFactClusters(now)

	if n, err := g.sessions.PruneOldSessions(g.memCfg.SessionMaxAgeDays); err != nil {
		logging.Errorf("[gardener] session prune failed: %v", err)
	} else if n > 0 {
		logging.Infof("[gardener] pruned %d old sessions", n)
	}
	if n, err := g.engine.Prune(); err != nil {
		logging.Errorf("[gardener] memory prune failed: %v", err)
	} else if n > 0 {
		logging.Infof("[gardener] pruned %d archived memories", n)
	}
	if n, err := g.store.PruneOrphanedRelations(); err != nil {
		logging.Errorf("[gardener] relation prune failed: %v", err)
	} else if n > 0 {
		logging.Infof("[gardener] pruned %d orphaned relations", n)
	}

	g.updateAffectState(now)
}

// inQuietHours reports whether now falls inside [start, end) in the
// user's timezone, with wrap-around across midnight.
func (g *Gardener) inQuietHours(now time.Time) bool {
	hour := now.In(g.store.UserTimezone()).Hour()
	start, end := g.cfg.QuietHoursStart, g.cfg.QuietHoursEnd
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (g *Gardener) intervalElapsed(key string, interval time.Duration, now time.Time) bool {
	raw, err := g.store.GetRuntimeKey(key)
	if err != nil || raw == "" {
		return true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(ms)) >= interval
}

func (g *Gardener) recordFire(key string, now time.Time) {
	if err := g.store.SetRuntimeKey(key, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		logging.Warnf("[gardener] persist %s failed: %v", key, err)
	}
}
