// Package db is the persistence layer: a single SQLite store holding
// memories, relations, profiles, sessions, scheduled items, and the cost
// ledger. All access is serialized through one connection (WAL mode).
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sageloop/sage/internal/logging"
)

// PrimaryUserID is the single-user constant. The assistant serves one
// person; every channel-scoped identifier normalizes to this.
const PrimaryUserID = "user"

// SourceCleanedSentinel marks entries archived by the polluted-memory sweep.
const SourceCleanedSentinel = "_cleaned_sentinel"

// NormalizeUserID maps any channel-scoped identifier (telegram:123,
// discord:abc, ws:main) to the single-user constant. The system serves
// exactly one person, so every identifier collapses to PrimaryUserID.
func NormalizeUserID(string) string {
	return PrimaryUserID
}

// Store wraps the database connection with typed query methods.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store around an open connection
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection for sharing with other components
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetRuntimeKey reads a value from runtime_keys. Missing keys return "".
func (s *Store) GetRuntimeKey(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM runtime_keys WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetRuntimeKey upserts a value into runtime_keys
func (s *Store) SetRuntimeKey(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO runtime_keys (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// runCodeMigrations applies one-shot data fixes guarded by sentinel rows in
// runtime_keys. A crash mid-migration leaves the sentinel absent, so the
// next open retries cleanly.
func (s *Store) runCodeMigrations(sweep SweepOptions) error {
	steps := []struct {
		sentinel string
		run      func() error
	}{
		{"migration_source_backfill", s.backfillMemorySource},
		{"migration_timezone_backfill", s.backfillTimezone},
		{"migration_single_user", s.consolidateUsers},
		{"migration_polluted_sweep", func() error { return s.SweepPollutedMemories(sweep) }},
	}
	for _, step := range steps {
		done, err := s.GetRuntimeKey(step.sentinel)
		if err != nil {
			return err
		}
		if done != "" {
			continue
		}
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.sentinel, err)
		}
		if err := s.SetRuntimeKey(step.sentinel, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

// backfillMemorySource sets source='user' on rows written before the column
// carried a meaningful value.
func (s *Store) backfillMemorySource() error {
	_, err := s.db.Exec(`UPDATE memories SET source = 'user' WHERE source IS NULL OR source = ''`)
	return err
}

// backfillTimezone seeds the profile timezone from the host when absent.
func (s *Store) backfillTimezone() error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM user_profiles WHERE user_id = ? AND key = 'timezone'`,
		PrimaryUserID).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tz := time.Now().Location().String()
	if tz == "Local" {
		tz = "UTC"
	}
	return s.SetProfileValue(PrimaryUserID, "timezone", tz)
}

// consolidateUsers folds historical channel-scoped rows (telegram:123 etc.)
// into the single-user constant.
func (s *Store) consolidateUsers() error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, table := range []string{"memories", "scheduled_items", "user_profiles"} {
			if _, err := tx.Exec(
				fmt.Sprintf(`UPDATE OR IGNORE %s SET user_id = ? WHERE user_id != ?`, table),
				PrimaryUserID, PrimaryUserID); err != nil {
				return err
			}
			// Rows that collided on a unique key keep their old id; drop them.
			if _, err := tx.Exec(
				fmt.Sprintf(`DELETE FROM %s WHERE user_id != ?`, table), PrimaryUserID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepOptions tunes the polluted-memory sweep heuristics.
type SweepOptions struct {
	MaxContentLength   int  // archive entries longer than this
	AssistantResponses bool // archive entries that read like assistant replies
	UserQuestions      bool // archive question-shaped user turns
	ProactiveChecks    bool // archive proactive check-in messages
	SkillOutputs       bool // archive raw skill output captures
}

// DefaultSweepOptions returns the heuristics the one-shot migration uses.
func DefaultSweepOptions() SweepOptions {
	return SweepOptions{
		MaxContentLength:   300,
		AssistantResponses: true,
		UserQuestions:      true,
		ProactiveChecks:    true,
		SkillOutputs:       true,
	}
}

// SweepPollutedMemories archives (never deletes) entries that are skill
// outputs, long assistant responses, obvious user questions, proactive
// check messages, or over-length content. Archived rows get the cleaned
// sentinel source so later sweeps and queries can skip them.
func (s *Store) SweepPollutedMemories(opts SweepOptions) error {
	conds := []string{}
	args := []any{}
	if opts.MaxContentLength > 0 {
		conds = append(conds, "LENGTH(content) > ?")
		args = append(args, opts.MaxContentLength)
	}
	if opts.SkillOutputs {
		conds = append(conds, "source LIKE 'skill:%'")
	}
	if opts.AssistantResponses {
		conds = append(conds, "(source = 'assistant' AND LENGTH(content) > 150)")
	}
	if opts.UserQuestions {
		conds = append(conds, "(content LIKE '%?' AND LENGTH(content) < 120)")
	}
	if opts.ProactiveChecks {
		conds = append(conds, "(content LIKE 'Just checking in%' OR content LIKE 'Proactive check%')")
	}
	if len(conds) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE memories
		SET is_latest = 0, memory_type = 'superseded', source = ?, updated_at = ?
		WHERE memory_type != 'static_profile'
		  AND source != ?
		  AND (%s)`, strings.Join(conds, " OR "))
	allArgs := append([]any{SourceCleanedSentinel, time.Now().UnixMilli(), SourceCleanedSentinel}, args...)
	res, err := s.db.Exec(query, allArgs...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Infof("[db] polluted-memory sweep archived %d entries", n)
	}
	return nil
}
