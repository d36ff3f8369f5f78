package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pharos-kms/pharos/backend/internal/util"
	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/store"
)

// Store is an in-memory implementation of both store boundaries. Entities
// and relationships live in flat maps addressed by id (arena style); the
// graph is never represented as mutually referencing objects, so cyclic
// structures are just ids pointing at ids.
//
// Store backs the package tests and embedded single-process deployments.
// All methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	chunks  map[string]common.Chunk
	parents map[string][]string // chunk ids ordered by chunk index

	chunkEmbeddings  map[string][]float32
	chunkTermWeights map[string]map[string]float64

	entities         map[string]common.Entity
	entityByKey      map[string]string // name|type -> entity id
	entityEmbeddings map[string][]float32

	relationships map[string]common.Relationship
	relsByEntity  map[string]map[string]bool
	relsByChunk   map[string]map[string]bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chunks:           make(map[string]common.Chunk),
		parents:          make(map[string][]string),
		chunkEmbeddings:  make(map[string][]float32),
		chunkTermWeights: make(map[string]map[string]float64),
		entities:         make(map[string]common.Entity),
		entityByKey:      make(map[string]string),
		entityEmbeddings: make(map[string][]float32),
		relationships:    make(map[string]common.Relationship),
		relsByEntity:     make(map[string]map[string]bool),
		relsByChunk:      make(map[string]map[string]bool),
	}
}

func entityKey(name, typ string) string {
	return strings.ToLower(name) + "|" + strings.ToLower(typ)
}

// SaveChunks stores a parent document's chunks in one batch. The chunk set
// must carry indexes forming exactly {0, ..., n-1}; anything else is
// rejected so the ordering invariant holds for every stored parent.
// Chunks without an ID are assigned one.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.parents[parentID]; exists {
		return fmt.Errorf("parent %q already has chunks", parentID)
	}

	ordered := make([]common.Chunk, len(chunks))
	for _, c := range chunks {
		c.ParentID = parentID
		if c.ID == "" {
			c.ID = util.NewID()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		ordered[c.ChunkIndex] = c
	}

	ids := make([]string, len(ordered))
	for i, c := range ordered {
		s.chunks[c.ID] = c
		ids[i] = c.ID
	}
	s.parents[parentID] = ids
	return nil
}

// SetChunkEmbedding backfills the dense vector for a chunk and marks its
// embedding reference. The chunk content itself stays immutable.
func (s *Store) SetChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return &store.NotFoundError{Kind: "chunk", ID: chunkID}
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	s.chunkEmbeddings[chunkID] = vec
	c.EmbeddingRef = chunkID
	s.chunks[chunkID] = c
	return nil
}

// SetChunkTermWeights backfills the sparse term-weight vector for a chunk.
func (s *Store) SetChunkTermWeights(ctx context.Context, chunkID string, weights map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[chunkID]; !ok {
		return &store.NotFoundError{Kind: "chunk", ID: chunkID}
	}
	copied := make(map[string]float64, len(weights))
	for term, w := range weights {
		copied[strings.ToLower(term)] = w
	}
	s.chunkTermWeights[chunkID] = copied
	return nil
}

// DeleteParent destroys a parent document and all of its chunks. Any
// relationship whose provenance points at a destroyed chunk keeps the edge
// but loses the reference.
func (s *Store) DeleteParent(ctx context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.parents[parentID]
	if !ok {
		return &store.NotFoundError{Kind: "parent", ID: parentID}
	}
	for _, id := range ids {
		for relID := range s.relsByChunk[id] {
			rel := s.relationships[relID]
			rel.ProvenanceChunkID = ""
			s.relationships[relID] = rel
		}
		delete(s.relsByChunk, id)
		delete(s.chunkEmbeddings, id)
		delete(s.chunkTermWeights, id)
		delete(s.chunks, id)
	}
	delete(s.parents, parentID)
	return nil
}

// UpsertEntity inserts an entity or, when one with the same (name, type)
// pair already exists, backfills its description. Returns the entity id.
func (s *Store) UpsertEntity(ctx context.Context, e common.Entity) (string, error) {
	if e.Name == "" || e.Type == "" {
		return "", fmt.Errorf("entity name and type must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(e.Name, e.Type)
	if id, ok := s.entityByKey[key]; ok {
		existing := s.entities[id]
		if existing.Description == "" && e.Description != "" {
			existing.Description = e.Description
			s.entities[id] = existing
		}
		return id, nil
	}

	if e.ID == "" {
		e.ID = util.NewID()
	}
	s.entities[e.ID] = e
	s.entityByKey[key] = e.ID
	return e.ID, nil
}

// SetEntityEmbedding backfills the dense vector for an entity.
func (s *Store) SetEntityEmbedding(ctx context.Context, entityID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[entityID]; !ok {
		return &store.NotFoundError{Kind: "entity", ID: entityID}
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	s.entityEmbeddings[entityID] = vec
	return nil
}

// SaveRelationship stores an edge. Both endpoints must exist and the weight
// must be inside [0.0, 1.0]. A provenance chunk, when given, must exist.
func (s *Store) SaveRelationship(ctx context.Context, r common.Relationship) (string, error) {
	if r.Weight < 0 || r.Weight > 1 {
		return "", fmt.Errorf("relationship weight %g outside [0,1]", r.Weight)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[r.SourceEntityID]; !ok {
		return "", &store.NotFoundError{Kind: "entity", ID: r.SourceEntityID}
	}
	if _, ok := s.entities[r.TargetEntityID]; !ok {
		return "", &store.NotFoundError{Kind: "entity", ID: r.TargetEntityID}
	}
	if r.ProvenanceChunkID != "" {
		if _, ok := s.chunks[r.ProvenanceChunkID]; !ok {
			return "", &store.NotFoundError{Kind: "chunk", ID: r.ProvenanceChunkID}
		}
	}

	if r.ID == "" {
		r.ID = util.NewID()
	}
	s.relationships[r.ID] = r
	s.indexRelationshipLocked(r)
	return r.ID, nil
}

func (s *Store) indexRelationshipLocked(r common.Relationship) {
	for _, entityID := range []string{r.SourceEntityID, r.TargetEntityID} {
		if s.relsByEntity[entityID] == nil {
			s.relsByEntity[entityID] = make(map[string]bool)
		}
		s.relsByEntity[entityID][r.ID] = true
	}
	if r.ProvenanceChunkID != "" {
		if s.relsByChunk[r.ProvenanceChunkID] == nil {
			s.relsByChunk[r.ProvenanceChunkID] = make(map[string]bool)
		}
		s.relsByChunk[r.ProvenanceChunkID][r.ID] = true
	}
}

// DeleteEntity destroys an entity and every relationship where it is source
// or target.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID]
	if !ok {
		return &store.NotFoundError{Kind: "entity", ID: entityID}
	}

	for relID := range s.relsByEntity[entityID] {
		rel := s.relationships[relID]
		other := rel.Other(entityID)
		delete(s.relsByEntity[other], relID)
		if rel.ProvenanceChunkID != "" {
			delete(s.relsByChunk[rel.ProvenanceChunkID], relID)
		}
		delete(s.relationships, relID)
	}
	delete(s.relsByEntity, entityID)
	delete(s.entityEmbeddings, entityID)
	delete(s.entityByKey, entityKey(e.Name, e.Type))
	delete(s.entities, entityID)
	return nil
}

// --- store.ChunkStore ---

func (s *Store) GetChunk(ctx context.Context, id string) (common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[id]
	if !ok {
		return common.Chunk{}, &store.NotFoundError{Kind: "chunk", ID: id}
	}
	return c, nil
}

func (s *Store) GetChunksByParent(ctx context.Context, parentID string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.parents[parentID]
	if !ok {
		return nil, &store.NotFoundError{Kind: "parent", ID: parentID}
	}
	out := make([]common.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.chunks[id])
	}
	return out, nil
}

// GetChunksByIDs returns the chunks that exist for the given ids. Missing
// ids are silently omitted; callers decide whether that is an error.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- store.GraphStore ---

func (s *Store) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return common.Entity{}, &store.NotFoundError{Kind: "entity", ID: id}
	}
	return e, nil
}

// FindEntitiesByNameOrDescription ranks entities by lexical term overlap.
// A term matching the name counts double a term matching the description.
func (s *Store) FindEntitiesByNameOrDescription(ctx context.Context, terms []string, limit int) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		entity common.Entity
		score  float64
	}
	candidates := make([]scored, 0)
	for _, e := range s.entities {
		name := strings.ToLower(e.Name)
		desc := strings.ToLower(e.Description)
		score := 0.0
		for _, term := range terms {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			if strings.Contains(name, term) {
				score += 2
			} else if strings.Contains(desc, term) {
				score += 1
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{entity: e, score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].entity.ID < candidates[j].entity.ID
		}
		return candidates[i].score > candidates[j].score
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]common.Entity, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.entity)
	}
	return out, nil
}

func (s *Store) GetRelationships(ctx context.Context, entityID string, dir store.Direction) ([]common.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Relationship, 0, len(s.relsByEntity[entityID]))
	for relID := range s.relsByEntity[entityID] {
		r := s.relationships[relID]
		switch dir {
		case store.DirectionOutgoing:
			if r.SourceEntityID != entityID {
				continue
			}
		case store.DirectionIncoming:
			if r.TargetEntityID != entityID {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetRelationshipsByProvenance(ctx context.Context, chunkID string) ([]common.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Relationship, 0, len(s.relsByChunk[chunkID]))
	for relID := range s.relsByChunk[chunkID] {
		out = append(out, s.relationships[relID])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// chunkEmbedding returns a copy-free read of a chunk's vector for the
// in-process dense source. Nil when no embedding has been backfilled.
func (s *Store) chunkEmbedding(chunkID string) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunkEmbeddings[chunkID]
}
