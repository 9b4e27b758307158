package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message represents one conversation message. Content holds plain text;
// Blocks (when set) holds the typed content-block form used for tool turns.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"` // user, assistant, system
	Content   string          `json:"content,omitempty"`
	Blocks    json.RawMessage `json:"blocks,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session carries conversation metadata and cumulative token counts.
type Session struct {
	ID           string    `json:"id"`
	SessionKey   string    `json:"session_key"`
	Metadata     string    `json:"metadata,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// blockRef is the minimal view of a content block needed for sanitizing
// tool_use / tool_result pairing.
type blockRef struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

// SessionManager handles session and message persistence.
type SessionManager struct {
	store *Store
	// sessionKeys caches sessionID -> sessionKey to avoid a lookup per write
	sessionKeys sync.Map // map[string]string
}

// NewSessionManager creates a session manager sharing the Store connection
func NewSessionManager(store *Store) *SessionManager {
	return &SessionManager{store: store}
}

// GetOrCreate returns the session with the given key, creating it if absent.
func (m *SessionManager) GetOrCreate(sessionKey string) (*Session, error) {
	sess, err := m.getByKey(sessionKey)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		m.sessionKeys.Store(sess.ID, sessionKey)
		return sess, nil
	}

	now := time.Now()
	id := uuid.New().String()
	_, err = m.store.db.Exec(`
		INSERT INTO sessions (id, session_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		id, sessionKey, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.sessionKeys.Store(id, sessionKey)
	return &Session{ID: id, SessionKey: sessionKey, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns a session by id, or nil when it does not exist.
func (m *SessionManager) Get(sessionID string) (*Session, error) {
	sess, err := m.scanSession(m.store.db.QueryRow(`
		SELECT id, session_key, metadata, input_tokens, output_tokens, message_count, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (m *SessionManager) getByKey(sessionKey string) (*Session, error) {
	return m.scanSession(m.store.db.QueryRow(`
		SELECT id, session_key, metadata, input_tokens, output_tokens, message_count, created_at, updated_at
		FROM sessions WHERE session_key = ?`, sessionKey))
}

func (m *SessionManager) scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var metadata sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&s.ID, &s.SessionKey, &metadata, &s.InputTokens, &s.OutputTokens,
		&s.MessageCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Metadata = metadata.String
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}

// AppendMessage adds a message to a session. Truly empty messages are
// skipped silently; they create ghost records that confuse history checks.
func (m *SessionManager) AppendMessage(sessionID string, msg Message) error {
	if msg.Content == "" && len(msg.Blocks) == 0 {
		return nil
	}
	var blocks sql.NullString
	if len(msg.Blocks) > 0 {
		blocks = sql.NullString{String: string(msg.Blocks), Valid: true}
	}
	now := time.Now()
	_, err := m.store.db.Exec(`
		INSERT INTO session_messages (session_id, role, content, content_blocks, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, blocks, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	_, err = m.store.db.Exec(`
		UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now.UnixMilli(), sessionID)
	return err
}

// GetMessages retrieves a session's messages in insertion order, sanitized
// so no orphaned tool_result survives. limit > 0 keeps only the most
// recent messages.
func (m *SessionManager) GetMessages(sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT id, role, content, content_blocks, created_at
		FROM session_messages WHERE session_id = ? ORDER BY id`
	rows, err := m.store.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var msg Message
		var blocks sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &blocks, &createdAt); err != nil {
			return nil, err
		}
		msg.SessionID = sessionID
		msg.CreatedAt = time.UnixMilli(createdAt)
		if blocks.Valid && blocks.String != "" {
			msg.Blocks = json.RawMessage(blocks.String)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return sanitizeMessages(messages), nil
}

// AddTokenUsage accumulates a turn's token counts onto the session.
func (m *SessionManager) AddTokenUsage(sessionID string, inputTokens, outputTokens int) error {
	_, err := m.store.db.Exec(`
		UPDATE sessions
		SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		WHERE id = ?`,
		inputTokens, outputTokens, time.Now().UnixMilli(), sessionID)
	return err
}

// ListSessions returns all sessions, most recently used first.
func (m *SessionManager) ListSessions() ([]Session, error) {
	rows, err := m.store.db.Query(`
		SELECT id, session_key, metadata, input_tokens, output_tokens, message_count, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var s Session
		var metadata sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&s.ID, &s.SessionKey, &metadata, &s.InputTokens, &s.OutputTokens,
			&s.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.Metadata = metadata.String
		s.CreatedAt = time.UnixMilli(createdAt)
		s.UpdatedAt = time.UnixMilli(updatedAt)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session; messages cascade.
func (m *SessionManager) DeleteSession(sessionID string) error {
	m.sessionKeys.Delete(sessionID)
	_, err := m.store.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// PruneOldSessions deletes sessions idle for more than maxAgeDays.
// Messages cascade with the session row.
func (m *SessionManager) PruneOldSessions(maxAgeDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()
	res, err := m.store.db.Exec(`DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// sanitizeMessages strips tool_result blocks whose tool_use id never
// appeared in a preceding assistant message. Orphans break providers that
// validate tool pairing.
func sanitizeMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	seenToolUseIDs := make(map[string]bool)
	result := make([]Message, 0, len(messages))
	for i, msg := range messages {
		if len(msg.Blocks) == 0 {
			result = append(result, msg)
			continue
		}
		var refs []blockRef
		if err := json.Unmarshal(msg.Blocks, &refs); err != nil {
			result = append(result, msg)
			continue
		}
		if msg.Role == "assistant" {
			for _, r := range refs {
				if r.Type == "tool_use" {
					seenToolUseIDs[r.ID] = true
				}
			}
			result = append(result, msg)
			continue
		}

		// User message: keep only tool_results with a known tool_use.
		var raw []json.RawMessage
		if err := json.Unmarshal(msg.Blocks, &raw); err != nil {
			result = append(result, msg)
			continue
		}
		kept := make([]json.RawMessage, 0, len(raw))
		for k, r := range refs {
			if r.Type == "tool_result" && !seenToolUseIDs[r.ToolUseID] {
				continue
			}
			kept = append(kept, raw[k])
		}
		if len(kept) == 0 {
			msg.Blocks = nil
			if msg.Content == "" && i == 0 {
				continue
			}
		} else if len(kept) < len(raw) {
			if data, err := json.Marshal(kept); err == nil {
				msg.Blocks = data
			}
		}
		result = append(result, msg)
	}
	return result
}
