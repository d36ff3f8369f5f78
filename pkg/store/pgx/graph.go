package pgx

import (
	"context"
	"fmt"

	"github.com/pharos-kms/pharos/backend/internal/util"
	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/store"

	"github.com/pgvector/pgvector-go"
)

const relationshipColumns = `id, source_entity_id, target_entity_id, relation_type,
	weight, COALESCE(provenance_chunk_id, '')`

func scanRelationship(row interface{ Scan(dest ...any) error }) (common.Relationship, error) {
	var r common.Relationship
	err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.Type, &r.Weight, &r.ProvenanceChunkID)
	return r, err
}

// UpsertEntity inserts an entity or, when one with the same (name, type)
// pair already exists, backfills its description. Returns the entity id.
func (s *Store) UpsertEntity(ctx context.Context, e common.Entity) (string, error) {
	if e.Name == "" || e.Type == "" {
		return "", fmt.Errorf("entity name and type must not be empty")
	}
	if e.ID == "" {
		e.ID = util.NewID()
	}

	var id string
	err := s.conn.QueryRow(ctx,
		`INSERT INTO entities (id, name, entity_type, description)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (lower(name), lower(entity_type)) DO UPDATE
		 SET description = CASE
			 WHEN entities.description = '' THEN EXCLUDED.description
			 ELSE entities.description
		 END
		 RETURNING id`,
		e.ID, e.Name, e.Type, e.Description,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetEntityEmbedding backfills the dense vector for an entity.
func (s *Store) SetEntityEmbedding(ctx context.Context, entityID string, embedding []float32) error {
	tag, err := s.conn.Exec(ctx,
		`UPDATE entities SET embedding = $2 WHERE id = $1`,
		entityID, pgvector.NewVector(embedding),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "entity", ID: entityID}
	}
	return nil
}

// SaveRelationship stores an edge. Both endpoints must exist and the weight
// must be inside [0.0, 1.0]. A provenance chunk, when given, must exist.
func (s *Store) SaveRelationship(ctx context.Context, r common.Relationship) (string, error) {
	if r.Weight < 0 || r.Weight > 1 {
		return "", fmt.Errorf("relationship weight %g outside [0,1]", r.Weight)
	}
	if r.ID == "" {
		r.ID = util.NewID()
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	for _, entityID := range []string{r.SourceEntityID, r.TargetEntityID} {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`, entityID,
		).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", &store.NotFoundError{Kind: "entity", ID: entityID}
		}
	}

	var provenance any
	if r.ProvenanceChunkID != "" {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM chunks WHERE id = $1)`, r.ProvenanceChunkID,
		).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", &store.NotFoundError{Kind: "chunk", ID: r.ProvenanceChunkID}
		}
		provenance = r.ProvenanceChunkID
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO relationships (id, source_entity_id, target_entity_id, relation_type, weight, provenance_chunk_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.SourceEntityID, r.TargetEntityID, string(r.Type), r.Weight, provenance,
	)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return r.ID, nil
}

// DeleteEntity destroys an entity and every relationship where it is source
// or target; the schema's ON DELETE CASCADE removes the edges.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) error {
	tag, err := s.conn.Exec(ctx,
		`DELETE FROM entities WHERE id = $1`,
		entityID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &store.NotFoundError{Kind: "entity", ID: entityID}
	}
	return nil
}

// --- store.GraphStore ---

func (s *Store) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	var e common.Entity
	err := s.conn.QueryRow(ctx,
		`SELECT id, name, entity_type, description FROM entities WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.Type, &e.Description)
	if isNoRows(err) {
		return common.Entity{}, &store.NotFoundError{Kind: "entity", ID: id}
	}
	return e, err
}

// FindEntitiesByNameOrDescription matches terms against entity names and
// descriptions with case-insensitive substring matching. Name matches count
// double so exact concept hits outrank incidental description mentions.
func (s *Store) FindEntitiesByNameOrDescription(ctx context.Context, terms []string, limit int) ([]common.Entity, error) {
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx,
		`SELECT e.id, e.name, e.entity_type, e.description
		 FROM entities e
		 JOIN unnest($1::text[]) AS t(term)
		   ON e.name ILIKE '%' || t.term || '%'
		   OR e.description ILIKE '%' || t.term || '%'
		 GROUP BY e.id, e.name, e.entity_type, e.description
		 ORDER BY SUM(CASE WHEN e.name ILIKE '%' || t.term || '%' THEN 2 ELSE 1 END) DESC, e.id ASC
		 LIMIT $2`,
		terms, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []common.Entity
	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// GetRelationships returns the edges touching an entity, filtered by the
// requested direction relative to that entity.
func (s *Store) GetRelationships(ctx context.Context, entityID string, dir store.Direction) ([]common.Relationship, error) {
	var where string
	switch dir {
	case store.DirectionOutgoing:
		where = `source_entity_id = $1`
	case store.DirectionIncoming:
		where = `target_entity_id = $1`
	default:
		where = `source_entity_id = $1 OR target_entity_id = $1`
	}
	rows, err := s.conn.Query(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE `+where+` ORDER BY id ASC`,
		entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []common.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// GetRelationshipsByProvenance returns the edges evidenced by a chunk.
func (s *Store) GetRelationshipsByProvenance(ctx context.Context, chunkID string) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE provenance_chunk_id = $1 ORDER BY id ASC`,
		chunkID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []common.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
