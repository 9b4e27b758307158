package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sageloop/sage/internal/agent/embeddings"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
)

// Hybrid score weights. Entries without an embedding fall back to the
// lexical term alone so they remain rankable.
const (
	semanticWeight = 0.7
	lexicalWeight  = 0.3
	overFetch      = 8
)

// SearchOptions filter and shape a hybrid search.
type SearchOptions struct {
	Type             string  // metadata type filter: fact, raw, context
	Subject          string  // exact metadata subject match
	SessionID        string  // metadata session filter
	SourceUser       bool    // restrict to source = user
	RecencyBoost     float64 // multiplicative bonus decaying with age
	UserSubjectBoost float64 // multiplier applied when subject == "user"
	MinScore         float64
	Limit            int
}

// ScoredMemory pairs a memory with its combined relevance score
type ScoredMemory struct {
	*db.Memory
	Score float64
}

// Search runs a hybrid lexical+semantic query over latest memories.
// It never mutates state; callers that consume results for context
// building call RecordAccess explicitly.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredMemory, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	filter := db.MemoryFilter{
		UserID:     db.PrimaryUserID,
		Type:       opts.Type,
		Subject:    opts.Subject,
		SessionID:  opts.SessionID,
		SourceUser: opts.SourceUser,
		LatestOnly: true,
		Limit:      opts.Limit * overFetch,
	}

	if query == "" {
		return e.browseAll(filter, opts)
	}

	hits, err := e.store.SearchMemoriesFTS(query, filter)
	if err != nil {
		return nil, err
	}
	lexical := make(map[string]float64, len(hits))
	candidates := make(map[string]*db.Memory, len(hits))
	for _, h := range hits {
		lexical[h.Memory.ID] = bm25RankToScore(h.Rank)
		candidates[h.Memory.ID] = h.Memory
	}

	// Widen the pool beyond lexical matches so semantically similar
	// entries that share no tokens with the query still surface.
	var queryVec []float32
	if e.embed != nil && e.embed.HasProvider() {
		vec, err := e.embed.EmbedOne(ctx, query)
		if err != nil {
			logging.Warnf("[memory] query embedding failed, lexical only: %v", err)
		} else {
			queryVec = vec
			extra, err := e.store.ListMemories(filter)
			if err == nil {
				for _, m := range extra {
					if _, ok := candidates[m.ID]; !ok && m.Embedding != nil {
						candidates[m.ID] = m
					}
				}
			}
		}
	}

	now := time.Now()
	scored := make([]ScoredMemory, 0, len(candidates))
	for _, m := range candidates {
		score := hybridScore(m, queryVec, lexical[m.ID], opts, now)
		if score < opts.MinScore {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored, nil
}

// browseAll handles the empty-query path: entries ordered by
// (subject boost, recency, prominence).
func (e *Engine) browseAll(filter db.MemoryFilter, opts SearchOptions) ([]ScoredMemory, error) {
	all, err := e.store.ListMemories(filter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	scored := make([]ScoredMemory, 0, len(all))
	for _, m := range all {
		score := hybridScore(m, nil, 0, opts, now)
		if score < opts.MinScore {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		ab, bb := subjectBoosted(a.Memory, opts), subjectBoosted(b.Memory, opts)
		if ab != bb {
			return ab
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.After(b.LastAccessed)
		}
		return a.Prominence > b.Prominence
	})
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return scored, nil
}

func subjectBoosted(m *db.Memory, opts SearchOptions) bool {
	return opts.UserSubjectBoost > 0 && m.Subject() == db.PrimaryUserID
}

// hybridScore combines semantic, lexical, recency, and subject signals.
// Monotone in each positive signal.
func hybridScore(m *db.Memory, queryVec []float32, lexScore float64, opts SearchOptions, now time.Time) float64 {
	var base float64
	if queryVec != nil && m.Embedding != nil {
		cos := embeddings.CosineSimilarity(queryVec, m.Embedding)
		if cos < 0 {
			cos = 0
		}
		base = semanticWeight*cos + lexicalWeight*lexScore
	} else if lexScore > 0 {
		base = lexScore
	} else {
		base = m.Prominence * 0.1
	}
	if opts.RecencyBoost > 0 {
		base *= 1 + opts.RecencyBoost*math.Exp(-ageDays(m.LastAccessed, now)/7)
	}
	if subjectBoosted(m, opts) {
		base *= opts.UserSubjectBoost
	}
	return base
}

// bm25RankToScore maps the FTS5 rank column (negative, more negative is
// better) into (0, 1).
func bm25RankToScore(rank float64) float64 {
	r := -rank
	if r <= 0 {
		return 0
	}
	return r / (r + 1)
}
