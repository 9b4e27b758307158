package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Relation types
const (
	RelationUpdates = "UPDATES"
	RelationExtends = "EXTENDS"
	RelationDerives = "DERIVES"
)

// Relation is a directed edge between two memories.
type Relation struct {
	ID           string
	SourceID     string
	TargetID     string
	RelationType string
	Confidence   float64
	CreatedAt    time.Time
}

// AddRelation inserts a directed edge. For UPDATES, the target is
// superseded (is_latest = 0, memory_type = 'superseded') in the same
// transaction, so readers never observe the relation without the flip.
func (s *Store) AddRelation(sourceID, targetID, relationType string, confidence float64) (*Relation, error) {
	rel := &Relation{
		ID:           uuid.New().String(),
		SourceID:     sourceID,
		TargetID:     targetID,
		RelationType: relationType,
		Confidence:   confidence,
		CreatedAt:    time.Now(),
	}
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO memory_relations (id, source_id, target_id, relation_type, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rel.ID, rel.SourceID, rel.TargetID, rel.RelationType, rel.Confidence,
			rel.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		if relationType == RelationUpdates {
			_, err = tx.Exec(`
				UPDATE memories SET is_latest = 0, memory_type = ?, updated_at = ?
				WHERE id = ?`,
				TypeSuperseded, rel.CreatedAt.UnixMilli(), targetID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// GetRelations returns all edges incident on a memory, in either direction.
func (s *Store) GetRelations(memoryID string) ([]*Relation, error) {
	rows, err := s.db.Query(`
		SELECT id, source_id, target_id, relation_type, confidence, created_at
		FROM memory_relations
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at`,
		memoryID, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Relation
	for rows.Next() {
		var r Relation
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationType, &r.Confidence, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LatestInUpdateChain follows UPDATES edges from id toward the newest
// revision. Depth is capped and revisits break the walk, so cycles from
// repeated edits cannot hang a caller.
func (s *Store) LatestInUpdateChain(id string) (string, error) {
	const maxDepth = 32
	seen := map[string]bool{id: true}
	current := id
	for range maxDepth {
		var next string
		err := s.db.QueryRow(`
			SELECT source_id FROM memory_relations
			WHERE target_id = ? AND relation_type = ?
			ORDER BY created_at DESC LIMIT 1`,
			current, RelationUpdates).Scan(&next)
		if err == sql.ErrNoRows {
			return current, nil
		}
		if err != nil {
			return "", err
		}
		if seen[next] {
			return current, nil
		}
		seen[next] = true
		current = next
	}
	return current, nil
}

// PruneOrphanedRelations deletes edges whose endpoints no longer exist.
// Normally cascade deletes cover this; the sweep backstops rows written
// before foreign keys were enforced.
func (s *Store) PruneOrphanedRelations() (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM memory_relations
		WHERE source_id NOT IN (SELECT id FROM memories)
		   OR target_id NOT IN (SELECT id FROM memories)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
