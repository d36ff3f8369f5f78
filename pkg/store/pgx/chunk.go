package pgx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pharos-kms/pharos/backend/internal/util"
	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/store"

	"github.com/pgvector/pgvector-go"
)

const chunkColumns = `id, parent_id, content, chunk_index,
	(embedding IS NOT NULL), COALESCE(metadata, 'null'::jsonb), created_at`

func scanChunk(row interface{ Scan(dest ...any) error }) (common.Chunk, error) {
	var (
		c           common.Chunk
		hasVector   bool
		rawMetadata []byte
	)
	err := row.Scan(&c.ID, &c.ParentID, &c.Content, &c.ChunkIndex, &hasVector, &rawMetadata, &c.CreatedAt)
	if err != nil {
		return common.Chunk{}, err
	}
	if hasVector {
		c.EmbeddingRef = c.ID
	}
	c.Metadata, err = common.UnmarshalChunkMetadata(rawMetadata)
	if err != nil {
		return common.Chunk{}, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	return c, nil
}

// SaveChunks persists a parent document's chunks in one transaction. The
// chunk set must carry indexes forming exactly {0, ..., n-1}; anything else
// is rejected so the ordering invariant holds for every stored parent.
// Chunks without an ID are assigned one; content is stripped of NUL bytes
// and invalid UTF-8 before insert.
func (s *Store) SaveChunks(ctx context.Context, parentID string, chunks []common.Chunk) error {
	if parentID == "" {
		return fmt.Errorf("parent id must not be empty")
	}
	if len(chunks) == 0 {
		return fmt.Errorf("parent %q: chunk batch must not be empty", parentID)
	}
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if c.ChunkIndex < 0 || c.ChunkIndex >= len(chunks) {
			return fmt.Errorf("parent %q: chunk index %d out of range [0,%d)", parentID, c.ChunkIndex, len(chunks))
		}
		if seen[c.ChunkIndex] {
			return fmt.Errorf("parent %q: duplicate chunk index %d", parentID, c.ChunkIndex)
		}
		seen[c.ChunkIndex] = true
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE parent_id = $1)`,
		parentID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("parent %q already has chunks", parentID)
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = util.NewID()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		c.Content = util.SanitizePostgresText(c.Content)
		rawMetadata, err := common.MarshalChunkMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("chunk index %d: %w", c.ChunkIndex, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO chunks (id, parent_id, content, chunk_index, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, parentID, c.Content, c.ChunkIndex, rawMetadata, c.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SetChunkEmbedding backfills the dense vector for a chunk.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	tag, err := s.conn.Exec(ctx,
		`UPDATE chunks SET embedding = $2 WHERE id = $1`,
		chunkID, pgvector.NewVector(embedding),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "chunk", ID: chunkID}
	}
	return nil
}

// SetChunkTermWeights backfills the sparse term-weight vector for a chunk.
// Terms are lowercased so they line up with tokenized queries.
func (s *Store) SetChunkTermWeights(ctx context.Context, chunkID string, weights map[string]float64) error {
	lowered := make(map[string]float64, len(weights))
	for term, w := range weights {
		lowered[strings.ToLower(term)] = w
	}
	tag, err := s.conn.Exec(ctx,
		`UPDATE chunks SET term_weights = $2 WHERE id = $1`,
		chunkID, lowered,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "chunk", ID: chunkID}
	}
	return nil
}

// DeleteParent destroys a parent document and all of its chunks. Any
// relationship whose provenance points at a destroyed chunk keeps the edge
// but loses the reference; the schema's ON DELETE SET NULL enforces that.
func (s *Store) DeleteParent(ctx context.Context, parentID string) error {
	tag, err := s.conn.Exec(ctx,
		`DELETE FROM chunks WHERE parent_id = $1`,
		parentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "parent", ID: parentID}
	}
	return nil
}

// --- store.ChunkStore ---

func (s *Store) GetChunk(ctx context.Context, id string) (common.Chunk, error) {
	c, err := scanChunk(s.conn.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1`,
		id,
	))
	if isNoRows(err) {
		return common.Chunk{}, &store.NotFoundError{Kind: "chunk", ID: id}
	}
	return c, err
}

func (s *Store) GetChunksByParent(ctx context.Context, parentID string) ([]common.Chunk, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE parent_id = $1 ORDER BY chunk_index ASC`,
		parentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []common.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &store.NotFoundError{Kind: "parent", ID: parentID}
	}
	return chunks, nil
}

// GetChunksByIDs returns the chunks for the given ids in input order. IDs
// with no stored chunk are silently omitted.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]common.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]common.Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chunks := make([]common.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}
