package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory categories
const (
	CategoryPreference   = "preference"
	CategoryFact         = "fact"
	CategoryEvent        = "event"
	CategoryRelationship = "relationship"
	CategoryInsight      = "insight"
)

// Memory types
const (
	TypeStaticProfile  = "static_profile"
	TypeDynamicProfile = "dynamic_profile"
	TypeRegular        = "regular"
	TypeDerived        = "derived"
	TypeSuperseded     = "superseded"
)

// Memory sources: who produced the entry. Skill output uses the
// skill:<name> form; see SkillSource.
const (
	SourceUser      = "user"
	SourceAssistant = "assistant"
)

// SkillSource returns the source value for output captured from a skill
func SkillSource(name string) string {
	return "skill:" + name
}

// Memory is the atom of long-term storage: one canonical natural-language
// statement plus salience and provenance fields.
type Memory struct {
	ID               string
	UserID           string
	Content          string
	Category         string
	MemoryType       string
	Source           string
	Importance       int
	Confidence       float64
	IsLatest         bool
	DocumentDate     time.Time
	EventDate        *time.Time
	Prominence       float64
	LastAccessed     time.Time
	AccessCount      int
	TimesConfirmed   int
	Embedding        []float32
	Metadata         map[string]any
	ContradictionIDs []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Subject returns the metadata subject ("user" or a person's name), or ""
func (m *Memory) Subject() string {
	if m.Metadata == nil {
		return ""
	}
	if s, ok := m.Metadata["subject"].(string); ok {
		return s
	}
	return ""
}

const memoryColumns = `id, user_id, content, category, memory_type, source, importance,
	confidence, is_latest, document_date, event_date, prominence, last_accessed,
	access_count, times_confirmed, embedding, metadata, contradiction_ids,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// qualifyColumns prefixes each column in a comma-separated list with an
// alias, for queries that join memories against the FTS table.
func qualifyColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var eventDate sql.NullInt64
	var embedding []byte
	var metadata, contradictions sql.NullString
	var docDate, lastAccessed, createdAt, updatedAt int64
	var isLatest int
	err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.MemoryType, &m.Source,
		&m.Importance, &m.Confidence, &isLatest, &docDate, &eventDate, &m.Prominence,
		&lastAccessed, &m.AccessCount, &m.TimesConfirmed, &embedding, &metadata,
		&contradictions, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.IsLatest = isLatest != 0
	m.DocumentDate = time.UnixMilli(docDate)
	if eventDate.Valid {
		t := time.UnixMilli(eventDate.Int64)
		m.EventDate = &t
	}
	m.LastAccessed = time.UnixMilli(lastAccessed)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	m.Embedding = DecodeEmbedding(embedding)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	if contradictions.Valid && contradictions.String != "" {
		_ = json.Unmarshal([]byte(contradictions.String), &m.ContradictionIDs)
	}
	return &m, nil
}

// AddMemory inserts a new entry, filling id, timestamps, and defaults.
// The write is durable when this returns nil.
func (s *Store) AddMemory(m *Memory) error {
	now := time.Now()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.UserID = NormalizeUserID(m.UserID)
	if m.Category == "" {
		m.Category = CategoryFact
	}
	if m.MemoryType == "" {
		m.MemoryType = TypeRegular
	}
	if m.Source == "" {
		m.Source = SourceUser
	}
	if m.Importance == 0 {
		m.Importance = 5
	}
	if m.Confidence == 0 {
		m.Confidence = 0.8
	}
	if m.Prominence == 0 {
		m.Prominence = 0.5
	}
	if m.TimesConfirmed == 0 {
		m.TimesConfirmed = 1
	}
	if m.DocumentDate.IsZero() {
		m.DocumentDate = now
	}
	if m.LastAccessed.IsZero() {
		m.LastAccessed = now
	}
	m.IsLatest = true
	m.CreatedAt = now
	m.UpdatedAt = now

	metadata, err := encodeJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	contradictions, err := encodeJSON(m.ContradictionIDs)
	if err != nil {
		return fmt.Errorf("failed to encode contradiction ids: %w", err)
	}
	var eventDate any
	if m.EventDate != nil {
		eventDate = m.EventDate.UnixMilli()
	}

	_, err = s.db.Exec(`
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Content, m.Category, m.MemoryType, m.Source, m.Importance,
		m.Confidence, m.DocumentDate.UnixMilli(), eventDate, m.Prominence,
		m.LastAccessed.UnixMilli(), m.AccessCount, m.TimesConfirmed,
		EncodeEmbedding(m.Embedding), metadata, contradictions,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// GetMemory fetches one entry by id
func (s *Store) GetMemory(id string) (*Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateMemoryContent rewrites an entry's statement (used when a longer
// near-duplicate replaces the stored form). The embedding follows the text.
func (s *Store) UpdateMemoryContent(id, content string, embedding []float32) error {
	_, err := s.db.Exec(`
		UPDATE memories SET content = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		content, EncodeEmbedding(embedding), time.Now().UnixMilli(), id)
	return err
}

// DeleteMemory removes an entry; incident relations cascade.
func (s *Store) DeleteMemory(id string) error {
	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	return err
}

// RecordAccess bumps access_count and last_accessed. Callers that consume a
// search result for context building call this explicitly; search itself
// never mutates.
func (s *Store) RecordAccess(id string) error {
	_, err := s.db.Exec(`
		UPDATE memories
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// ReinforceMemory applies a re-confirmation: confidence and prominence rise
// by the given deltas (clamped to 1.0) and times_confirmed increments.
func (s *Store) ReinforceMemory(id string, dConfidence, dProminence float64) error {
	_, err := s.db.Exec(`
		UPDATE memories
		SET confidence = MIN(1.0, confidence + ?),
		    prominence = MIN(1.0, prominence + ?),
		    times_confirmed = times_confirmed + 1,
		    updated_at = ?
		WHERE id = ?`,
		dConfidence, dProminence, time.Now().UnixMilli(), id)
	return err
}

// AddContradiction records that otherID contradicts id. Appending the same
// id twice is a no-op.
func (s *Store) AddContradiction(id, otherID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRow(`SELECT contradiction_ids FROM memories WHERE id = ?`, id).Scan(&raw)
		if err != nil {
			return err
		}
		var ids []string
		if raw.Valid && raw.String != "" {
			_ = json.Unmarshal([]byte(raw.String), &ids)
		}
		for _, existing := range ids {
			if existing == otherID {
				return nil
			}
		}
		ids = append(ids, otherID)
		data, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE memories SET contradiction_ids = ?, updated_at = ? WHERE id = ?`,
			string(data), time.Now().UnixMilli(), id)
		return err
	})
}

// UpdateProminences applies a batch of decay results in one transaction.
func (s *Store) UpdateProminences(batch map[string]float64) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE memories SET prominence = ?, updated_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for id, p := range batch {
			if p < 0 {
				p = 0
			} else if p > 1 {
				p = 1
			}
			if _, err := stmt.Exec(p, now, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ArchiveMemory transitions an entry out of active recall. static_profile
// entries are never archived.
func (s *Store) ArchiveMemory(id string) error {
	_, err := s.db.Exec(`
		UPDATE memories
		SET is_latest = 0, memory_type = ?, updated_at = ?
		WHERE id = ? AND memory_type != ?`,
		TypeSuperseded, time.Now().UnixMilli(), id, TypeStaticProfile)
	return err
}

// MemoryFilter narrows list queries. Zero values mean "no filter".
type MemoryFilter struct {
	UserID     string
	Subject    string // exact match on metadata subject
	Type       string // metadata type: fact, raw, context
	SessionID  string // metadata sessionId
	SourceUser bool   // restrict to source = 'user'
	LatestOnly bool
	Limit      int
}

func (f MemoryFilter) whereClause() (string, []any) {
	where := "user_id = ?"
	args := []any{NormalizeUserID(f.UserID)}
	if f.LatestOnly {
		where += " AND is_latest = 1"
	}
	if f.SourceUser {
		where += " AND source = 'user'"
	}
	if f.Subject != "" {
		where += " AND json_extract(metadata, '$.subject') = ?"
		args = append(args, f.Subject)
	}
	if f.Type != "" {
		where += " AND json_extract(metadata, '$.type') = ?"
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		where += " AND json_extract(metadata, '$.sessionId') = ?"
		args = append(args, f.SessionID)
	}
	return where, args
}

// ListMemories returns entries matching the filter, newest first.
func (s *Store) ListMemories(f MemoryFilter) ([]*Memory, error) {
	where, args := f.whereClause()
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ftsQuote turns free text into a safe FTS5 MATCH expression by quoting
// each token. Returns "" when no usable token remains.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'.,!?;:()[]{}`)
		if f == "" {
			continue
		}
		tokens = append(tokens, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(tokens, " OR ")
}

// FTSHit pairs an entry with its bm25 rank (lower is better).
type FTSHit struct {
	Memory *Memory
	Rank   float64
}

// SearchMemoriesFTS runs an FTS5 match with the filter applied. The query
// string is quoted per-token so user punctuation cannot break MATCH syntax.
func (s *Store) SearchMemoriesFTS(query string, f MemoryFilter) ([]FTSHit, error) {
	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}
	where, args := f.whereClause()
	sqlQuery := `
		SELECT ` + qualifyColumns("m", memoryColumns) + `, memories_fts.rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND ` + where + `
		ORDER BY memories_fts.rank`
	if f.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(sqlQuery, append([]any{match}, args...)...)
	if err != nil {
		// FTS syntax errors degrade to a LIKE scan rather than failing search
		return s.searchMemoriesLike(query, f)
	}
	defer rows.Close()
	var out []FTSHit
	for rows.Next() {
		m, rank, err := scanMemoryWithRank(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, FTSHit{Memory: m, Rank: rank})
	}
	return out, rows.Err()
}

func scanMemoryWithRank(row rowScanner) (*Memory, float64, error) {
	var m Memory
	var eventDate sql.NullInt64
	var embedding []byte
	var metadata, contradictions sql.NullString
	var docDate, lastAccessed, createdAt, updatedAt int64
	var isLatest int
	var rank float64
	err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.MemoryType, &m.Source,
		&m.Importance, &m.Confidence, &isLatest, &docDate, &eventDate, &m.Prominence,
		&lastAccessed, &m.AccessCount, &m.TimesConfirmed, &embedding, &metadata,
		&contradictions, &createdAt, &updatedAt, &rank)
	if err != nil {
		return nil, 0, err
	}
	m.IsLatest = isLatest != 0
	m.DocumentDate = time.UnixMilli(docDate)
	if eventDate.Valid {
		t := time.UnixMilli(eventDate.Int64)
		m.EventDate = &t
	}
	m.LastAccessed = time.UnixMilli(lastAccessed)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	m.Embedding = DecodeEmbedding(embedding)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	if contradictions.Valid && contradictions.String != "" {
		_ = json.Unmarshal([]byte(contradictions.String), &m.ContradictionIDs)
	}
	return &m, rank, nil
}

// searchMemoriesLike is the fallback when FTS rejects the query.
func (s *Store) searchMemoriesLike(query string, f MemoryFilter) ([]FTSHit, error) {
	where, args := f.whereClause()
	sqlQuery := `SELECT ` + memoryColumns + ` FROM memories WHERE content LIKE ? AND ` + where +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(sqlQuery, append([]any{"%" + query + "%"}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FTSHit
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, FTSHit{Memory: m, Rank: 0})
	}
	return out, rows.Err()
}

// PruneArchivedMemories hard-deletes entries whose prominence fell below
// maxProminence and that are no longer latest. Relations cascade.
func (s *Store) PruneArchivedMemories(maxProminence float64) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM memories
		WHERE prominence < ? AND is_latest = 0 AND memory_type != ?`,
		maxProminence, TypeStaticProfile)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
