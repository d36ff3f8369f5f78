package common

import "time"

// Chunk represents a single retrieval unit sliced out of a parent document.
// Chunks carry a sequential position within their parent so that neighboring
// context can be re-assembled around a match.
//
// Chunks are created in batch when a parent document is ingested and are
// immutable afterwards, except for the embedding reference which may be
// backfilled once vectors become available.
type Chunk struct {
	ID           string        `json:"id"`
	ParentID     string        `json:"parent_id"`
	Content      string        `json:"content"`
	ChunkIndex   int           `json:"chunk_index"`
	EmbeddingRef string        `json:"embedding_ref,omitempty"`
	Metadata     ChunkMetadata `json:"metadata,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// PageNumber returns the source page of the chunk when its metadata carries
// one. The second return value reports whether a page is known.
func (c Chunk) PageNumber() (int, bool) {
	if m, ok := c.Metadata.(PDFPageMetadata); ok {
		return m.Page, true
	}
	return 0, false
}

// Entity represents a node in the semantic graph. An entity can be a concept,
// person, organization, method, or any other named thing extracted from chunk
// content. The (Name, Type) pair is the deduplication key.
type Entity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// RelationType classifies a relationship edge.
type RelationType string

const (
	RelationSupports    RelationType = "SUPPORTS"
	RelationContradicts RelationType = "CONTRADICTS"
	RelationExtends     RelationType = "EXTENDS"
	RelationCites       RelationType = "CITES"
)

// Relationship represents a directed, weighted, typed edge between two
// entities. Weight is a confidence/strength value in [0.0, 1.0].
//
// ProvenanceChunkID optionally links the edge back to the chunk whose content
// evidenced it. The link is weak: deleting the provenance chunk clears the
// reference but keeps the edge.
type Relationship struct {
	ID                string       `json:"id"`
	SourceEntityID    string       `json:"source_entity_id"`
	TargetEntityID    string       `json:"target_entity_id"`
	Type              RelationType `json:"relation_type"`
	Weight            float64      `json:"weight"`
	ProvenanceChunkID string       `json:"provenance_chunk_id,omitempty"`
}

// Other returns the endpoint of the relationship that is not entityID.
// If entityID is neither endpoint, the target is returned.
func (r Relationship) Other(entityID string) string {
	if r.TargetEntityID == entityID {
		return r.SourceEntityID
	}
	return r.TargetEntityID
}
