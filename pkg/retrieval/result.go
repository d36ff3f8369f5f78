package retrieval

import "github.com/pharos-kms/pharos/backend/pkg/common"

// SourceContribution records how one signal source contributed to an item's
// fused score. Rank is 1-based within that source's list.
type SourceContribution struct {
	Source       string  `json:"source"`
	Rank         int     `json:"rank"`
	RawScore     float64 `json:"raw_score"`
	Contribution float64 `json:"contribution"`
}

// PathEdge is a single traversed relationship, written in the stored edge
// direction (source to target) regardless of the direction the walk took.
type PathEdge struct {
	FromEntityID string              `json:"from_entity_id"`
	Type         common.RelationType `json:"relation_type"`
	ToEntityID   string              `json:"to_entity_id"`
	Weight       float64             `json:"weight"`
}

// GraphPath explains how a traversal reached an entity or chunk: the ordered
// edges, the cumulative weight (product of edge weights, clamped to [0,1]),
// and the hop count. ViaContradiction is set when any edge on the path is a
// CONTRADICTS relationship.
type GraphPath struct {
	Edges            []PathEdge `json:"edges"`
	Weight           float64    `json:"weight"`
	Hops             int        `json:"hops"`
	ViaContradiction bool       `json:"via_contradiction,omitempty"`
}

// Candidate is one scored item flowing through the ranking pipeline.
// Sources holds the per-source breakdown used for explainability; Path is
// present when the item was (also) reached through the graph.
type Candidate struct {
	ID         string               `json:"id"`
	FusedScore float64              `json:"fused_score"`
	Sources    []SourceContribution `json:"sources"`
	Path       *GraphPath           `json:"path,omitempty"`
}

// Match pairs an originally matched chunk with its relevance score and
// explanation. It is the input unit of the parent-child expander.
type Match struct {
	Chunk   common.Chunk         `json:"chunk"`
	Score   float64              `json:"score"`
	Sources []SourceContribution `json:"sources,omitempty"`
	Path    *GraphPath           `json:"path,omitempty"`
}

// Window is one contiguous run of sibling chunks inside a parent, ordered by
// chunk index.
type Window struct {
	Start  int            `json:"start"`
	End    int            `json:"end"`
	Chunks []common.Chunk `json:"chunks"`
}

// Expansion is one parent document's share of the final result: the matched
// chunks within it, the context windows expanded around them, and the best
// match score used for ordering.
type Expansion struct {
	ParentID  string   `json:"parent_id"`
	Windows   []Window `json:"windows"`
	Matches   []Match  `json:"matches"`
	BestScore float64  `json:"best_score"`
}

// MatchedChunkIDs returns the ids of the originally matched chunks within
// this parent, in score order. These are the citation anchors.
func (e Expansion) MatchedChunkIDs() []string {
	ids := make([]string, 0, len(e.Matches))
	for _, m := range e.Matches {
		ids = append(ids, m.Chunk.ID)
	}
	return ids
}

// Result is the final, ordered output of a retrieval request. Total counts
// chunk candidates before the top_k cut, so callers can paginate. Scores are
// returned unnormalized.
type Result struct {
	Expansions []Expansion `json:"expansions"`
	Total      int         `json:"total"`
}
