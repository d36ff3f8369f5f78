package retrieval

import (
	"context"
	"sort"

	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/store"
)

// TraversalOptions bounds a single graph walk.
type TraversalOptions struct {
	// MaxHops is the number of edges a path may traverse. Direct neighbors
	// are hop 1; MaxHops = 0 discovers nothing.
	MaxHops int
	// RelationTypes restricts the edges followed. Empty means all types.
	RelationTypes []common.RelationType
	// PrioritizeContradicts explores CONTRADICTS edges first at each hop
	// level, which decides path selection on cumulative-weight ties.
	PrioritizeContradicts bool
}

// Discovery is one entity reached by a traversal, together with the best
// path that reached it. Seeds are never reported as discoveries.
type Discovery struct {
	Entity common.Entity
	Path   GraphPath
}

// GraphCandidate is a chunk surfaced through graph provenance: a chunk that
// evidenced a relationship touching a discovered entity. Its score is the
// cumulative weight of the path that reached the entity.
type GraphCandidate struct {
	ChunkID string
	Score   float64
	Path    GraphPath
}

// GraphTraverser walks the semantic graph outward from a set of seed
// entities using a bounded breadth-first search. Each reachable entity is
// reported at most once even in cyclic graphs; when several paths reach the
// same entity, the one with fewer hops wins, and on a hop tie the higher
// cumulative edge-weight product wins.
type GraphTraverser struct {
	graph store.GraphStore
	trace Tracer
}

// TraverserOption configures a GraphTraverser.
type TraverserOption func(*GraphTraverser)

// WithTraverserTracer installs a trace sink for queried entity and
// relationship ids.
func WithTraverserTracer(t Tracer) TraverserOption {
	return func(g *GraphTraverser) {
		g.trace = t
	}
}

// NewGraphTraverser creates a traverser over the given graph store.
func NewGraphTraverser(graph store.GraphStore, opts ...TraverserOption) *GraphTraverser {
	g := &GraphTraverser{graph: graph}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(g)
	}
	return g
}

type frontierNode struct {
	entityID string
	path     GraphPath
}

// Traverse performs the bounded BFS. Seed ids that do not exist in the store
// are skipped with a warning; if no seed resolves the traversal returns with
// no discoveries. Both edge directions are explored, and each path edge is
// recorded in its stored direction for explanation.
func (g *GraphTraverser) Traverse(
	ctx context.Context,
	seedIDs []string,
	opts TraversalOptions,
) ([]Discovery, error) {
	if opts.MaxHops < 0 {
		return nil, invalidParam("max_hops must not be negative, got %d", opts.MaxHops)
	}

	seeds := make([]string, 0, len(seedIDs))
	seen := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := g.graph.GetEntity(ctx, id); err != nil {
			if IsNotFound(err) {
				logger.Warn("Skipping unknown seed entity", "entity_id", id)
				continue
			}
			return nil, err
		}
		seeds = append(seeds, id)
	}
	sort.Strings(seeds)
	RecordQueriedEntityIDs(g.trace, seeds...)

	if len(seeds) == 0 || opts.MaxHops == 0 {
		return nil, nil
	}

	allowed := make(map[common.RelationType]bool, len(opts.RelationTypes))
	for _, t := range opts.RelationTypes {
		allowed[t] = true
	}

	visited := make(map[string]bool, len(seeds))
	frontier := make([]frontierNode, 0, len(seeds))
	for _, id := range seeds {
		visited[id] = true
		frontier = append(frontier, frontierNode{entityID: id})
	}

	discovered := make(map[string]GraphPath)

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		// Best candidate path per entity first reached at this hop level.
		// Committing per level keeps the fewest-hops rule exact.
		pending := make(map[string]GraphPath)

		for _, node := range frontier {
			edges, err := g.graph.GetRelationships(ctx, node.entityID, store.DirectionBoth)
			if err != nil {
				return nil, err
			}
			orderEdges(edges, opts.PrioritizeContradicts)

			for _, edge := range edges {
				if len(allowed) > 0 && !allowed[edge.Type] {
					continue
				}
				neighbor := edge.Other(node.entityID)
				if neighbor == node.entityID || visited[neighbor] {
					continue
				}
				RecordQueriedRelationshipIDs(g.trace, edge.ID)

				path := extendPath(node.path, edge, hop)
				if prev, ok := pending[neighbor]; ok && prev.Weight >= path.Weight {
					continue
				}
				pending[neighbor] = path
			}
		}

		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		frontier = frontier[:0]
		for _, id := range ids {
			visited[id] = true
			discovered[id] = pending[id]
			frontier = append(frontier, frontierNode{entityID: id, path: pending[id]})
		}
	}

	out := make([]Discovery, 0, len(discovered))
	for id, path := range discovered {
		entity, err := g.graph.GetEntity(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				logger.Warn("Discovered entity vanished during traversal", "entity_id", id)
				continue
			}
			return nil, err
		}
		out = append(out, Discovery{Entity: entity, Path: path})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Path.Hops != b.Path.Hops {
			return a.Path.Hops < b.Path.Hops
		}
		if a.Path.Weight != b.Path.Weight {
			return a.Path.Weight > b.Path.Weight
		}
		return a.Entity.ID < b.Entity.ID
	})
	return out, nil
}

// ChunkCandidates maps discovered entities back to chunks: every non-null
// provenance reference on a relationship touching a discovered entity yields
// a candidate scored with that entity's path weight. A chunk reachable from
// several discoveries keeps its best score.
func (g *GraphTraverser) ChunkCandidates(
	ctx context.Context,
	discoveries []Discovery,
) ([]GraphCandidate, error) {
	best := make(map[string]GraphCandidate)

	for _, d := range discoveries {
		edges, err := g.graph.GetRelationships(ctx, d.Entity.ID, store.DirectionBoth)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if edge.ProvenanceChunkID == "" {
				continue
			}
			cand := GraphCandidate{
				ChunkID: edge.ProvenanceChunkID,
				Score:   d.Path.Weight,
				Path:    d.Path,
			}
			prev, ok := best[cand.ChunkID]
			if !ok || cand.Score > prev.Score ||
				(cand.Score == prev.Score && cand.Path.Hops < prev.Path.Hops) {
				best[cand.ChunkID] = cand
			}
			RecordConsideredChunkIDs(g.trace, cand.ChunkID)
		}
	}

	out := make([]GraphCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func orderEdges(edges []common.Relationship, contradictsFirst bool) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if contradictsFirst {
			ac := a.Type == common.RelationContradicts
			bc := b.Type == common.RelationContradicts
			if ac != bc {
				return ac
			}
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.ID < b.ID
	})
}

func extendPath(base GraphPath, edge common.Relationship, hop int) GraphPath {
	edges := make([]PathEdge, len(base.Edges), len(base.Edges)+1)
	copy(edges, base.Edges)
	edges = append(edges, PathEdge{
		FromEntityID: edge.SourceEntityID,
		Type:         edge.Type,
		ToEntityID:   edge.TargetEntityID,
		Weight:       edge.Weight,
	})

	weight := edge.Weight
	if len(base.Edges) > 0 {
		weight = base.Weight * edge.Weight
	}
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	return GraphPath{
		Edges:            edges,
		Weight:           weight,
		Hops:             hop,
		ViaContradiction: base.ViaContradiction || edge.Type == common.RelationContradicts,
	}
}
