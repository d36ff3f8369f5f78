package retrieval

import "context"

// ScopeKind names the candidate namespace a signal source scores against.
type ScopeKind string

const (
	ScopeChunks   ScopeKind = "chunks"
	ScopeEntities ScopeKind = "entities"
)

// Scope describes what a signal source should score: the namespace and an
// optional restriction to particular parent documents (chunk scope only).
type Scope struct {
	Kind      ScopeKind
	ParentIDs []string
}

// ScoredID is one (id, score) pair produced by a signal source.
type ScoredID struct {
	ID    string
	Score float64
}

// SignalSource scores a query against a candidate scope and returns the
// matches ordered by score descending. Ties must be broken by ID ascending
// so that repeated runs over the same store state rank identically.
//
// Implementations should honor ctx deadlines; a source that cannot finish
// in time is treated by the orchestrator as having contributed nothing.
// A source asked for a scope it cannot serve returns an empty list.
type SignalSource interface {
	Name() string
	Score(ctx context.Context, query string, scope Scope) ([]ScoredID, error)
}

// Well-known source names. The fuser accepts any source name; these are the
// ones the built-in backends register.
const (
	SourceKeyword  = "keyword"
	SourceSemantic = "semantic"
	SourceSparse   = "sparse"
	SourceGraph    = "graph"
)
