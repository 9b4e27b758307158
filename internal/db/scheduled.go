package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sageloop/sage/internal/logging"
)

// Scheduled item statuses. Transitions run pending -> processing ->
// (fired | pending), or terminally to dismissed / expired.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFired      = "fired"
	StatusDismissed  = "dismissed"
	StatusExpired    = "expired"
)

// Scheduled item types
const (
	ItemReminder        = "reminder"
	ItemEventPrep       = "event_prep"
	ItemCommitmentCheck = "commitment_check"
	ItemGoalCheckin     = "goal_checkin"
	ItemFollowUp        = "follow_up"
)

// Recurrence types
const (
	RecurDaily    = "daily"
	RecurWeekly   = "weekly"
	RecurWeekdays = "weekdays"
	RecurWeekends = "weekends"
)

// RecurringSpec describes a repeating schedule in the user's timezone.
type RecurringSpec struct {
	Type      string `json:"type"` // daily, weekly, weekdays, weekends
	Hour      int    `json:"hour"`
	Minute    int    `json:"minute"`
	DayOfWeek int    `json:"dayOfWeek,omitempty"` // 0 = Sunday, used by weekly
}

// ScheduledItem is a user-set reminder or agent-generated follow-up.
type ScheduledItem struct {
	ID             string
	UserID         string
	Source         string // user or agent
	ItemType       string
	Message        string
	Context        string // plain text or JSON guidance
	TriggerAt      time.Time
	Recurring      *RecurringSpec
	Status         string
	SourceMemoryID string
	FiredAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const scheduledColumns = `id, user_id, source, item_type, message, context, trigger_at,
	recurring, status, source_memory_id, fired_at, created_at, updated_at`

func scanScheduledItem(row rowScanner) (*ScheduledItem, error) {
	var it ScheduledItem
	var context, recurring, sourceMemoryID sql.NullString
	var firedAt sql.NullInt64
	var triggerAt, createdAt, updatedAt int64
	err := row.Scan(&it.ID, &it.UserID, &it.Source, &it.ItemType, &it.Message, &context,
		&triggerAt, &recurring, &it.Status, &sourceMemoryID, &firedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.Context = context.String
	it.SourceMemoryID = sourceMemoryID.String
	it.TriggerAt = time.UnixMilli(triggerAt)
	if firedAt.Valid {
		t := time.UnixMilli(firedAt.Int64)
		it.FiredAt = &t
	}
	it.CreatedAt = time.UnixMilli(createdAt)
	it.UpdatedAt = time.UnixMilli(updatedAt)
	if recurring.Valid && recurring.String != "" {
		var spec RecurringSpec
		if json.Unmarshal([]byte(recurring.String), &spec) == nil {
			it.Recurring = &spec
		}
	}
	return &it, nil
}

// AddScheduledItem persists an item, defaulting status to pending.
func (s *Store) AddScheduledItem(it *ScheduledItem) (*ScheduledItem, error) {
	now := time.Now()
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	it.UserID = NormalizeUserID(it.UserID)
	if it.Source == "" {
		it.Source = "user"
	}
	if it.ItemType == "" {
		it.ItemType = ItemReminder
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	it.CreatedAt = now
	it.UpdatedAt = now

	var recurring sql.NullString
	if it.Recurring != nil {
		data, err := json.Marshal(it.Recurring)
		if err != nil {
			return nil, fmt.Errorf("failed to encode recurring spec: %w", err)
		}
		recurring = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_items (`+scheduledColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		it.ID, it.UserID, it.Source, it.ItemType, it.Message,
		sql.NullString{String: it.Context, Valid: it.Context != ""},
		it.TriggerAt.UnixMilli(), recurring, it.Status,
		sql.NullString{String: it.SourceMemoryID, Valid: it.SourceMemoryID != ""},
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert scheduled item: %w", err)
	}
	return it, nil
}

// GetScheduledItem fetches one item by id
func (s *Store) GetScheduledItem(id string) (*ScheduledItem, error) {
	row := s.db.QueryRow(`SELECT `+scheduledColumns+` FROM scheduled_items WHERE id = ?`, id)
	it, err := scanScheduledItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

// ListScheduledItems returns items with the given status, soonest first.
// Empty status lists everything.
func (s *Store) ListScheduledItems(status string) ([]*ScheduledItem, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY trigger_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ScheduledItem
	for rows.Next() {
		it, err := scanScheduledItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ClaimDueScheduledItems atomically flips pending items with trigger_at <=
// now to processing and returns the claimed set. Two concurrent ticks get
// disjoint claims: the UPDATE re-checks status inside the write transaction.
func (s *Store) ClaimDueScheduledItems(now time.Time) ([]*ScheduledItem, error) {
	var claimed []*ScheduledItem
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT `+scheduledColumns+` FROM scheduled_items
			WHERE status = ? AND trigger_at <= ?
			ORDER BY trigger_at`,
			StatusPending, now.UnixMilli())
		if err != nil {
			return err
		}
		var due []*ScheduledItem
		for rows.Next() {
			it, err := scanScheduledItem(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, it)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, it := range due {
			res, err := tx.Exec(`
				UPDATE scheduled_items SET status = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				StatusProcessing, now.UnixMilli(), it.ID, StatusPending)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				it.Status = StatusProcessing
				claimed = append(claimed, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkScheduledItemFired records a successful fire.
func (s *Store) MarkScheduledItemFired(id string, firedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_items SET status = ?, fired_at = ?, updated_at = ?
		WHERE id = ?`,
		StatusFired, firedAt.UnixMilli(), firedAt.UnixMilli(), id)
	return err
}

// ResetScheduledItem returns a claimed item to pending after a fire failure
// so the next tick retries it.
func (s *Store) ResetScheduledItem(id string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusPending, time.Now().UnixMilli(), id, StatusProcessing)
	return err
}

// DismissScheduledItem marks an item dismissed by the user.
func (s *Store) DismissScheduledItem(id string) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_items SET status = ?, updated_at = ? WHERE id = ?`,
		StatusDismissed, time.Now().UnixMilli(), id)
	return err
}

// ExpireOldScheduledItems marks pending items whose trigger passed more
// than maxAge ago as expired. Returns the number expired.
func (s *Store) ExpireOldScheduledItems(now time.Time, maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE scheduled_items SET status = ?, updated_at = ?
		WHERE status = ? AND trigger_at < ?`,
		StatusExpired, now.UnixMilli(), StatusPending, now.Add(-maxAge).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasSimilarPendingScheduledItem reports whether a pending item within a
// 7-day trigger window already describes the same task.
func (s *Store) HasSimilarPendingScheduledItem(userID, message string, triggerAt time.Time) (bool, error) {
	window := 7 * 24 * time.Hour
	rows, err := s.db.Query(`
		SELECT message FROM scheduled_items
		WHERE user_id = ? AND status = ? AND trigger_at BETWEEN ? AND ?`,
		NormalizeUserID(userID), StatusPending,
		triggerAt.Add(-window).UnixMilli(), triggerAt.Add(window).UnixMilli())
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var existing string
		if err := rows.Scan(&existing); err != nil {
			return false, err
		}
		if MessageSimilarity(message, existing) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ConsolidateDuplicateScheduledItems removes later duplicates among pending
// items, keeping the earliest-created of each duplicate group.
func (s *Store) ConsolidateDuplicateScheduledItems() (int64, error) {
	items, err := s.ListScheduledItems(StatusPending)
	if err != nil {
		return 0, err
	}
	window := 7 * 24 * time.Hour
	var removed int64
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			a, b := items[i], items[j]
			if a.Status != StatusPending || b.Status != StatusPending {
				continue
			}
			gap := a.TriggerAt.Sub(b.TriggerAt)
			if gap < 0 {
				gap = -gap
			}
			if gap > window {
				continue
			}
			if !MessageSimilarity(a.Message, b.Message) {
				continue
			}
			// Keep the earlier-created row, drop the later one.
			drop := b
			if b.CreatedAt.Before(a.CreatedAt) {
				drop = a
			}
			if _, err := s.db.Exec(`DELETE FROM scheduled_items WHERE id = ?`, drop.ID); err != nil {
				return removed, err
			}
			drop.Status = StatusDismissed // skip in later passes
			removed++
		}
	}
	if removed > 0 {
		logging.Infof("[db] consolidated %d duplicate scheduled items", removed)
	}
	return removed, nil
}
