package db

import (
	"database/sql"
	"encoding/binary"
	"math"
	"time"
)

// EncodeEmbedding packs a dense vector into a little-endian float32 blob.
// Returns nil for an empty vector so the column stays NULL.
func EncodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding unpacks a float32 blob written by EncodeEmbedding.
func DecodeEmbedding(blob []byte) []float32 {
	if len(blob) < 4 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// GetCachedEmbedding returns the cached vector for a content hash, or nil
// on a miss or model mismatch.
func (s *Store) GetCachedEmbedding(contentHash, model string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(`
		SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?`,
		contentHash, model).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeEmbedding(blob), nil
}

// PutCachedEmbedding stores a computed vector keyed by content hash.
func (s *Store) PutCachedEmbedding(contentHash, model string, vec []float32) error {
	_, err := s.db.Exec(`
		INSERT INTO embedding_cache (content_hash, model, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			model = excluded.model, embedding = excluded.embedding, created_at = excluded.created_at`,
		contentHash, model, EncodeEmbedding(vec), time.Now().UnixMilli())
	return err
}
