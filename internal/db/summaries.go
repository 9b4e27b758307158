package db

import (
	"time"

	"github.com/google/uuid"
)

// SessionSummary is an LLM-produced digest of a completed session, stored
// with its own embedding for cross-session retrieval.
type SessionSummary struct {
	ID           string
	SessionID    string
	Summary      string
	Embedding    []float32
	MessageCount int
	CreatedAt    time.Time
}

// AddSessionSummary persists a summary
func (s *Store) AddSessionSummary(sum *SessionSummary) error {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	sum.CreatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO session_summaries (id, session_id, summary, embedding, message_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.SessionID, sum.Summary, EncodeEmbedding(sum.Embedding),
		sum.MessageCount, sum.CreatedAt.UnixMilli())
	return err
}

// GetSessionSummary returns the most recent summary for a session, or nil.
func (s *Store) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, summary, embedding, message_count, created_at
		FROM session_summaries WHERE session_id = ?
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSummary(rows)
}

// ListSessionSummaries returns the most recent summaries across sessions.
func (s *Store) ListSessionSummaries(limit int) ([]*SessionSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, summary, embedding, message_count, created_at
		FROM session_summaries ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (*SessionSummary, error) {
	var sum SessionSummary
	var embedding []byte
	var createdAt int64
	err := row.Scan(&sum.ID, &sum.SessionID, &sum.Summary, &embedding, &sum.MessageCount, &createdAt)
	if err != nil {
		return nil, err
	}
	sum.Embedding = DecodeEmbedding(embedding)
	sum.CreatedAt = time.UnixMilli(createdAt)
	return &sum, nil
}

// SessionsNeedingSummary returns ids of sessions whose message count grew
// past their latest summary (or that have messages and no summary at all).
func (s *Store) SessionsNeedingSummary(minMessages int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT s.id FROM sessions s
		LEFT JOIN (
			SELECT session_id, MAX(message_count) AS summarized
			FROM session_summaries GROUP BY session_id
		) ss ON ss.session_id = s.id
		WHERE s.message_count >= ? AND s.message_count > COALESCE(ss.summarized, 0)`,
		minMessages)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
