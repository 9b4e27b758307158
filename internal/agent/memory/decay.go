package memory

import (
	"math"
	"time"

	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Per-day decay rates. Profile facts barely decay, preferences slowly,
// one-off events fastest.
var decayRates = map[string]float64{
	db.TypeStaticProfile:  0.0001,
	db.TypeDynamicProfile: 0.002,
	db.TypeRegular:        0.01,
	db.TypeDerived:        0.015,
	db.TypeSuperseded:     0.05,
}

const (
	accessBonus       = 0.01 // per access, capped
	maxAccessBonus    = 0.2
	contradictionCost = 0.05
	eventDecayRate    = 0.03
	prefDecayRate     = 0.005
)

func decayRate(m *db.Memory) float64 {
	switch m.Category {
	case db.CategoryEvent:
		return eventDecayRate
	case db.CategoryPreference:
		return prefDecayRate
	}
	if r, ok := decayRates[m.MemoryType]; ok {
		return r
	}
	return decayRates[db.TypeRegular]
}

// ComputeProminence applies the retention curve
// p(t) = p0 * exp(-lambda * ageDays) + accessBonus - contradictionCost,
// clamped to [0, 1].
func ComputeProminence(m *db.Memory, now time.Time) float64 {
	age := ageDays(m.CreatedAt, now)
	p := m.Prominence * math.Exp(-decayRate(m)*age)
	bonus := accessBonus * float64(m.AccessCount)
	if bonus > maxAccessBonus {
		bonus = maxAccessBonus
	}
	p += bonus
	p -= contradictionCost * float64(len(m.ContradictionIDs))
	return clamp01(p)
}

// RunDecay recomputes prominence for all latest memories in one batch
// update, then archives entries that crossed the archive threshold and
// have been untouched for the minimum age. Profile facts never archive.
// Returns (updated, archived).
func (e *Engine) RunDecay(now time.Time) (int, int, error) {
	all, err := e.store.ListMemories(db.MemoryFilter{UserID: db.PrimaryUserID, LatestOnly: true})
	if err != nil {
		return 0, 0, err
	}
	batch := make(map[string]float64, len(all))
	var toArchive []*db.Memory
	minAge := time.Duration(e.cfg.MinAgeDays) * 24 * time.Hour
	for _, m := range all {
		p := ComputeProminence(m, now)
		if p != m.Prominence {
			batch[m.ID] = p
		}
		if p < e.cfg.ArchiveThreshold &&
			m.MemoryType != db.TypeStaticProfile &&
			now.Sub(m.LastAccessed) > minAge {
			toArchive = append(toArchive, m)
		}
	}
	if len(batch) > 0 {
		if err := e.store.UpdateProminences(batch); err != nil {
			return 0, 0, err
		}
	}
	archived := 0
	for _, m := range toArchive {
		if err := e.store.ArchiveMemory(m.ID); err != nil {
			logging.Warnf("[memory] archive %s failed: %v", m.ID, err)
			continue
		}
		archived++
	}
	return len(batch), archived, nil
}

// UtilityScore combines prominence, access frequency, recency, and
// importance into a single retention signal in [0, 1].
func UtilityScore(m *db.Memory, now time.Time) float64 {
	access := float64(m.AccessCount) / 10
	if access > 1 {
		access = 1
	}
	recency := math.Exp(-ageDays(m.LastAccessed, now) / 30)
	importance := float64(m.Importance) / 10
	return 0.4*m.Prominence + 0.2*access + 0.2*recency + 0.2*importance
}

// ArchiveLowUtility archives at most maxPerRun low-utility entries that
// are older than minAgeDays. Profile facts are exempt.
func (e *Engine) ArchiveLowUtility(now time.Time) (int, error) {
	all, err := e.store.ListMemories(db.MemoryFilter{UserID: db.PrimaryUserID, LatestOnly: true})
	if err != nil {
		return 0, err
	}
	minAge := time.Duration(e.cfg.MinAgeDays) * 24 * time.Hour
	archived := 0
	for _, m := range all {
		if archived >= e.cfg.ArchiveMaxPerRun {
			break
		}
		if m.MemoryType == db.TypeStaticProfile {
			continue
		}
		if now.Sub(m.CreatedAt) < minAge {
			continue
		}
		if UtilityScore(m, now) >= e.cfg.UtilityThreshold {
			continue
		}
		if err := e.store.ArchiveMemory(m.ID); err != nil {
			logging.Warnf("[memory] archive %s failed: %v", m.ID, err)
			continue
		}
		archived++
	}
	return archived, nil
}

// Prune hard-deletes archived entries whose prominence fell below the
// epsilon floor, cascading their relations.
func (e *Engine) Prune() (int64, error) {
	return e.store.PruneArchivedMemories(e.cfg.PruneEpsilon)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
