package pgx

import (
	"context"

	"github.com/pharos-kms/pharos/backend/pkg/ai"
	"github.com/pharos-kms/pharos/backend/pkg/retrieval"
	"github.com/pharos-kms/pharos/backend/pkg/store"

	"github.com/pgvector/pgvector-go"
)

// candidateLimit caps the per-source candidate pool handed to rank fusion.
const candidateLimit = 200

func scopeParents(scope retrieval.Scope) []string {
	if len(scope.ParentIDs) == 0 {
		return nil
	}
	return scope.ParentIDs
}

func (s *Store) collectScored(ctx context.Context, sql string, args ...any) ([]retrieval.ScoredID, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []retrieval.ScoredID
	for rows.Next() {
		var item retrieval.ScoredID
		if err := rows.Scan(&item.ID, &item.Score); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// KeywordSource scores with PostgreSQL full-text ranking over chunk content
// and entity names/descriptions.
type KeywordSource struct {
	store *Store
}

// NewKeywordSource creates the lexical source over a pgx store.
func NewKeywordSource(s *Store) *KeywordSource {
	return &KeywordSource{store: s}
}

func (k *KeywordSource) Name() string { return retrieval.SourceKeyword }

func (k *KeywordSource) Score(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ScoredID, error) {
	switch scope.Kind {
	case retrieval.ScopeEntities:
		return k.store.collectScored(ctx,
			`SELECT e.id, ts_rank(to_tsvector('english', e.name || ' ' || e.description), q)::float8 AS rank
			 FROM entities e, plainto_tsquery('english', $1) q
			 WHERE to_tsvector('english', e.name || ' ' || e.description) @@ q
			 ORDER BY rank DESC, e.id ASC
			 LIMIT $2`,
			query, candidateLimit,
		)
	default:
		return k.store.collectScored(ctx,
			`SELECT c.id, ts_rank(to_tsvector('english', c.content), q)::float8 AS rank
			 FROM chunks c, plainto_tsquery('english', $1) q
			 WHERE to_tsvector('english', c.content) @@ q
			   AND ($2::text[] IS NULL OR c.parent_id = ANY($2))
			 ORDER BY rank DESC, c.id ASC
			 LIMIT $3`,
			query, scopeParents(scope), candidateLimit,
		)
	}
}

// SemanticSource scores by cosine similarity between the embedded query and
// the backfilled pgvector columns. Rows without a vector are skipped.
type SemanticSource struct {
	store    *Store
	embedder ai.EmbeddingClient
}

// NewSemanticSource creates the dense source over a pgx store.
func NewSemanticSource(s *Store, embedder ai.EmbeddingClient) *SemanticSource {
	return &SemanticSource{store: s, embedder: embedder}
}

func (d *SemanticSource) Name() string { return retrieval.SourceSemantic }

func (d *SemanticSource) Score(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ScoredID, error) {
	queryVec, err := d.embedder.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, err
	}
	embedding := pgvector.NewVector(queryVec)

	switch scope.Kind {
	case retrieval.ScopeEntities:
		return d.store.collectScored(ctx,
			`SELECT e.id, (1 - (e.embedding <=> $1))::float8 AS similarity
			 FROM entities e
			 WHERE e.embedding IS NOT NULL
			 ORDER BY e.embedding <=> $1 ASC, e.id ASC
			 LIMIT $2`,
			embedding, candidateLimit,
		)
	default:
		return d.store.collectScored(ctx,
			`SELECT c.id, (1 - (c.embedding <=> $1))::float8 AS similarity
			 FROM chunks c
			 WHERE c.embedding IS NOT NULL
			   AND ($2::text[] IS NULL OR c.parent_id = ANY($2))
			 ORDER BY c.embedding <=> $1 ASC, c.id ASC
			 LIMIT $3`,
			embedding, scopeParents(scope), candidateLimit,
		)
	}
}

// SparseSource scores by term-weight overlap: the sum of each chunk's stored
// weights over the query's terms. It serves the chunk scope only.
type SparseSource struct {
	store *Store
}

// NewSparseSource creates the sparse source over a pgx store.
func NewSparseSource(s *Store) *SparseSource {
	return &SparseSource{store: s}
}

func (s *SparseSource) Name() string { return retrieval.SourceSparse }

func (s *SparseSource) Score(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ScoredID, error) {
	if scope.Kind != retrieval.ScopeChunks {
		return nil, nil
	}
	terms := store.Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	return s.store.collectScored(ctx,
		`SELECT c.id, SUM((c.term_weights ->> t.term)::float8) AS score
		 FROM chunks c
		 JOIN unnest($1::text[]) AS t(term) ON c.term_weights ? t.term
		 WHERE ($2::text[] IS NULL OR c.parent_id = ANY($2))
		 GROUP BY c.id
		 HAVING SUM((c.term_weights ->> t.term)::float8) > 0
		 ORDER BY score DESC, c.id ASC
		 LIMIT $3`,
		terms, scopeParents(scope), candidateLimit,
	)
}

// Sources returns the full source set for a pgx store: keyword, semantic
// (when an embedder is available), and sparse.
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
