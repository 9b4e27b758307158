package schedule

import (
	"time"

	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Items still pending this long past their trigger time are expired.
const defaultMaxOverdue = 24 * time.Hour

// Consolidation runs once per this many ticks.
const consolidateEvery = 12

// FireFunc delivers one due item to the user. An error resets the item
// to pending for the next tick.
type FireFunc func(item *db.ScheduledItem) error

// Scheduler drives the scheduled-item lifecycle from periodic ticks.
type Scheduler struct {
	store      *db.Store
	fire       FireFunc
	maxOverdue time.Duration
	ticks      int
}

// NewScheduler creates a scheduler that delivers due items via fire
func NewScheduler(store *db.Store, fire FireFunc) *Scheduler {
	return &Scheduler{store: store, fire: fire, maxOverdue: defaultMaxOverdue}
}

// Add persists a new scheduled item with pending status
func (s *Scheduler) Add(item *db.ScheduledItem) (*db.ScheduledItem, error) {
	return s.store.AddScheduledItem(item)
}

// Tick expires stale items, claims everything due, and fires each
// claimed item. Recurring items re-insert their next occurrence after a
// successful fire. Returns the number of items fired.
func (s *Scheduler) Tick(now time.Time) int {
	s.ticks++

	if n, err := s.store.ExpireOldScheduledItems(now, s.maxOverdue); err != nil {
		logging.Warnf("[schedule] expire pass failed: %v", err)
	} else if n > 0 {
		logging.Infof("[schedule] expired %d overdue items", n)
	}

	claimed, err := s.store.ClaimDueScheduledItems(now)
	if err != nil {
		logging.Errorf("[schedule] claim failed: %v", err)
		return 0
	}

	fired := 0
	for _, item := range claimed {
		if err := s.fireOne(item, now); err != nil {
			logging.Warnf("[schedule] fire %s failed, resetting: %v", item.ID, err)
			if resetErr := s.store.ResetScheduledItem(item.ID); resetErr != nil {
				logging.Errorf("[schedule] reset %s failed: %v", item.ID, resetErr)
			}
			continue
		}
		fired++
	}

	if s.ticks%consolidateEvery == 0 {
		if n, err := s.store.ConsolidateDuplicateScheduledItems(); err != nil {
			logging.Warnf("[schedule] consolidation failed: %v", err)
		} else if n > 0 {
			logging.Infof("[schedule] consolidated %d duplicate items", n)
		}
	}
	return fired
}

func (s *Scheduler) fireOne(item *db.ScheduledItem, now time.Time) error {
	if err := s.fire(item); err != nil {
		return err
	}
	if err := s.store.MarkScheduledItemFired(item.ID, now); err != nil {
		return err
	}
	if item.Recurring != nil {
		s.scheduleNext(item, now)
	}
	return nil
}

// scheduleNext inserts the next occurrence of a recurring item.
func (s *Scheduler) scheduleNext(item *db.ScheduledItem, now time.Time) {
	loc := s.store.UserTimezone()
	next := NextOccurrence(item.Recurring, now, loc)
	_, err := s.store.AddScheduledItem(&db.ScheduledItem{
		UserID:         item.UserID,
		Source:         item.Source,
		ItemType:       item.ItemType,
		Message:        item.Message,
		Context:        item.Context,
		TriggerAt:      next,
		Recurring:      item.Recurring,
		SourceMemoryID: item.SourceMemoryID,
	})
	if err != nil {
		logging.Errorf("[schedule] recurring re-insert for %s failed: %v", item.ID, err)
		return
	}
	logging.Infof("[schedule] recurring item %q next at %s", item.Message, next.Format(time.RFC3339))
}
