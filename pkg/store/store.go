package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pharos-kms/pharos/backend/pkg/common"
)

// NotFoundError reports a referenced record that does not exist in the
// backing store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Direction selects which relationship edges to return for an entity.
type Direction int

const (
	DirectionBoth Direction = iota
	DirectionOutgoing
	DirectionIncoming
)

// ChunkStore defines the persistence boundary for retrieval units.
// Implementations must preserve chunk_index ordering: GetChunksByParent
// returns chunks sorted ascending by ChunkIndex, and for a stored parent
// with n chunks the index set is exactly {0, ..., n-1}.
type ChunkStore interface {
	GetChunk(ctx context.Context, id string) (common.Chunk, error)
	GetChunksByParent(ctx context.Context, parentID string) ([]common.Chunk, error)
	GetChunksByIDs(ctx context.Context, ids []string) ([]common.Chunk, error)
}

// GraphStore defines the persistence boundary for the semantic graph.
//
// FindEntitiesByNameOrDescription performs lexical matching of query terms
// against entity names and descriptions and returns candidates ranked by
// match quality, ties broken by entity ID ascending.
type GraphStore interface {
	GetEntity(ctx context.Context, id string) (common.Entity, error)
	FindEntitiesByNameOrDescription(ctx context.Context, terms []string, limit int) ([]common.Entity, error)
	GetRelationships(ctx context.Context, entityID string, dir Direction) ([]common.Relationship, error)
	GetRelationshipsByProvenance(ctx context.Context, chunkID string) ([]common.Relationship, error)
}
