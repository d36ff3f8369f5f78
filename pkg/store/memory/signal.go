package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/pharos-kms/pharos/backend/pkg/ai"
	"github.com/pharos-kms/pharos/backend/pkg/retrieval"
	"github.com/pharos-kms/pharos/backend/pkg/store"

	"github.com/viant/vec/search"
)

func sortScored(items []retrieval.ScoredID) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score == items[j].Score {
			return items[i].ID < items[j].ID
		}
		return items[i].Score > items[j].Score
	})
}

func parentAllowed(scope retrieval.Scope, parentID string) bool {
	if len(scope.ParentIDs) == 0 {
		return true
	}
	for _, id := range scope.ParentIDs {
		if id == parentID {
			return true
		}
	}
	return false
}

// KeywordSource scores by lexical term overlap: each occurrence of a query
// term counts once, and each distinct matched term adds one more, so chunks
// covering more of the query outrank chunks repeating a single term.
type KeywordSource struct {
	store *Store
}

// NewKeywordSource creates the lexical source over a memory store.
func NewKeywordSource(s *Store) *KeywordSource {
	return &KeywordSource{store: s}
}

func (k *KeywordSource) Name() string { return retrieval.SourceKeyword }

func (k *KeywordSource) Score(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := store.Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	k.store.mu.RLock()
	defer k.store.mu.RUnlock()

	var items []retrieval.ScoredID
	switch scope.Kind {
	case retrieval.ScopeChunks:
		for id, c := range k.store.chunks {
			if !parentAllowed(scope, c.ParentID) {
				continue
			}
			if score := lexicalScore(c.Content, terms); score > 0 {
				items = append(items, retrieval.ScoredID{ID: id, Score: score})
			}
		}
	case retrieval.ScopeEntities:
		for id, e := range k.store.entities {
			text := e.Name + " " + e.Description
			if score := lexicalScore(text, terms); score > 0 {
				items = append(items, retrieval.ScoredID{ID: id, Score: score})
			}
		}
	}
	sortScored(items)
	return items, nil
}

func lexicalScore(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for _, term := range terms {
		occurrences := strings.Count(lower, term)
		if occurrences > 0 {
			score += float64(occurrences) + 1
		}
	}
	return score
}

// SemanticSource scores by cosine similarity between the embedded query and
// the backfilled chunk/entity vectors. Items without a vector are skipped.
type SemanticSource struct {
	store    *Store
	embedder ai.EmbeddingClient
}

// NewSemanticSource creates the dense source over a memory store.
func NewSemanticSource(s *Store, embedder ai.EmbeddingClient) *SemanticSource {
	return &SemanticSource{store: s, embedder: embedder}
}

func (d *SemanticSource) Name() string { return retrieval.SourceSemantic }

func (d *SemanticSource) Score(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ScoredID, error) {
	queryVec, err := d.embedder.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, err
	}
	qv := search.Float32s(queryVec)
	qmag := qv.Magnitude()
	if qmag == 0 {
		return nil, nil
	}

	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	var items []retrieval.ScoredID
	score := func(id string, vec []float32) {
		if len(vec) != len(queryVec) {
			return
		}
		mag := search.Float32s(vec).Magnitude()
		if mag == 0 {
			return
		}
		similarity := 1 - float64(qv.CosineDistanceWithMagnitudesNeon(vec, qmag, mag))
		items = append(items, retrieval.ScoredID{ID: id, Score: similarity})
	}

	switch scope.Kind {
	case retrieval.ScopeChunks:
		for id, vec := range d.store.chunkEmbeddings {
			if c, ok := d.store.chunks[id]; !ok || !parentAllowed(scope, c.ParentID) {
				continue
			}
			score(id, vec)
		}
	case retrieval.ScopeEntities:
		for id, vec := range d.store.entityEmbeddings {
			score(id, vec)
		}
	}
	sortScored(items)
	return items, nil
}

// SparseSource scores by term-weight overlap: the dot product of the query's
// terms (unit weight) with each chunk's backfilled sparse weights. It serves
// the chunk scope only.
type SparseSource struct {
	store *Store
}

// NewSparseSource creates the sparse source over a memory store.
func NewSparseSource(s *Store) *SparseSource {
	return &SparseSource{store: s}
}

func (s *SparseSource) Name() string { return retrieval.SourceSparse }

func (s *SparseSource) Score(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scope.Kind != retrieval.ScopeChunks {
		return nil, nil
	}
	terms := store.Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	var items []retrieval.ScoredID
	for id, weights := range s.store.chunkTermWeights {
		c, ok := s.store.chunks[id]
		if !ok || !parentAllowed(scope, c.ParentID) {
			continue
		}
		score := 0.0
		for _, term := range terms {
			score += weights[term]
		}
		if score > 0 {
			items = append(items, retrieval.ScoredID{ID: id, Score: score})
		}
	}
	sortScored(items)
	return items, nil
}

// Sources returns the full in-process source set for a memory store:
// keyword, semantic (when an embedder is available), and sparse.
func Sources(s *Store, embedder ai.EmbeddingClient) []retrieval.SignalSource {
	sources := []retrieval.SignalSource{
		NewKeywordSource(s),
		NewSparseSource(s),
	}
	if embedder != nil {
		sources = append(sources, NewSemanticSource(s, embedder))
	}
	return sources
}
