package retrieval

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/store"
)

type fakeGraphStore struct {
	entities map[string]common.Entity
	rels     []common.Relationship
}

func newFakeGraph(entityIDs ...string) *fakeGraphStore {
	g := &fakeGraphStore{entities: make(map[string]common.Entity)}
	for _, id := range entityIDs {
		g.entities[id] = common.Entity{ID: id, Name: "entity " + id, Type: "CONCEPT"}
	}
	return g
}

func (g *fakeGraphStore) edge(id, source, target string, relType common.RelationType, weight float64, provenance string) {
	g.rels = append(g.rels, common.Relationship{
		ID:                id,
		SourceEntityID:    source,
		TargetEntityID:    target,
		Type:              relType,
		Weight:            weight,
		ProvenanceChunkID: provenance,
	})
}

func (g *fakeGraphStore) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	e, ok := g.entities[id]
	if !ok {
		return common.Entity{}, &store.NotFoundError{Kind: "entity", ID: id}
	}
	return e, nil
}

func (g *fakeGraphStore) FindEntitiesByNameOrDescription(ctx context.Context, terms []string, limit int) ([]common.Entity, error) {
	return nil, nil
}

func (g *fakeGraphStore) GetRelationships(ctx context.Context, entityID string, dir store.Direction) ([]common.Relationship, error) {
	out := make([]common.Relationship, 0)
	for _, r := range g.rels {
		outgoing := r.SourceEntityID == entityID
		incoming := r.TargetEntityID == entityID
		switch dir {
		case store.DirectionOutgoing:
			if outgoing {
				out = append(out, r)
			}
		case store.DirectionIncoming:
			if incoming {
				out = append(out, r)
			}
		default:
			if outgoing || incoming {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (g *fakeGraphStore) GetRelationshipsByProvenance(ctx context.Context, chunkID string) ([]common.Relationship, error) {
	out := make([]common.Relationship, 0)
	for _, r := range g.rels {
		if r.ProvenanceChunkID == chunkID {
			out = append(out, r)
		}
	}
	return out, nil
}

func discoveryIDs(ds []Discovery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Entity.ID)
	}
	return out
}

func TestTraverseZeroHopsDiscoversNothing(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B")
	g.edge("r1", "A", "B", common.RelationSupports, 0.9, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 0})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("MaxHops 0 discovered %v, want nothing", discoveryIDs(got))
	}
}

func TestTraverseDirectNeighbors(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B", "C")
	g.edge("r1", "A", "B", common.RelationSupports, 0.9, "")
	g.edge("r2", "C", "A", common.RelationCites, 0.5, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 1})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if ids := discoveryIDs(got); len(ids) != 2 || ids[0] != "B" || ids[1] != "C" {
		t.Fatalf("discoveries = %v, want [B C]", ids)
	}
	for _, d := range got {
		if d.Path.Hops != 1 || len(d.Path.Edges) != 1 {
			t.Fatalf("direct neighbor %s has path %+v, want one hop", d.Entity.ID, d.Path)
		}
	}
	// The incoming edge keeps its stored direction in the path.
	var viaC Discovery
	for _, d := range got {
		if d.Entity.ID == "C" {
			viaC = d
		}
	}
	edge := viaC.Path.Edges[0]
	if edge.FromEntityID != "C" || edge.ToEntityID != "A" {
		t.Fatalf("path edge direction = %s -> %s, want stored C -> A", edge.FromEntityID, edge.ToEntityID)
	}
}

func TestTraverseFewestHopsWins(t *testing.T) {
	t.Parallel()

	// B is reachable directly with a weak edge and in two hops with a much
	// stronger product. The direct path must win.
	g := newFakeGraph("A", "B", "C")
	g.edge("r1", "A", "B", common.RelationSupports, 0.1, "")
	g.edge("r2", "A", "C", common.RelationSupports, 0.9, "")
	g.edge("r3", "C", "B", common.RelationSupports, 0.9, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 3})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	for _, d := range got {
		if d.Entity.ID == "B" {
			if d.Path.Hops != 1 {
				t.Fatalf("B reached in %d hops, want 1", d.Path.Hops)
			}
			if d.Path.Weight != 0.1 {
				t.Fatalf("B path weight = %g, want the direct 0.1", d.Path.Weight)
			}
			return
		}
	}
	t.Fatalf("B missing from discoveries %v", discoveryIDs(got))
}

func TestTraversePathWeightIsEdgeProduct(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B", "C")
	g.edge("r1", "A", "B", common.RelationSupports, 0.8, "")
	g.edge("r2", "B", "C", common.RelationExtends, 0.5, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 2})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	for _, d := range got {
		if d.Entity.ID == "C" {
			if math.Abs(d.Path.Weight-0.4) > 1e-12 {
				t.Fatalf("C path weight = %g, want 0.8*0.5", d.Path.Weight)
			}
			if d.Path.Hops != 2 || len(d.Path.Edges) != 2 {
				t.Fatalf("C path = %+v, want two hops", d.Path)
			}
			return
		}
	}
	t.Fatalf("C missing from discoveries %v", discoveryIDs(got))
}

func TestTraverseCycleTerminates(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B", "C")
	g.edge("r1", "A", "B", common.RelationSupports, 0.9, "")
	g.edge("r2", "B", "C", common.RelationSupports, 0.9, "")
	g.edge("r3", "C", "A", common.RelationSupports, 0.9, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 10})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	// Each entity reported once; the seed never reported at all.
	if ids := discoveryIDs(got); len(ids) != 2 {
		t.Fatalf("cycle discoveries = %v, want exactly [B C] in some order", ids)
	}
	for _, d := range got {
		if d.Entity.ID == "A" {
			t.Fatal("seed A reported as a discovery")
		}
	}
}

func TestTraverseRelationTypeFilter(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B", "C")
	g.edge("r1", "A", "B", common.RelationCites, 0.9, "")
	g.edge("r2", "A", "C", common.RelationSupports, 0.9, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{
		MaxHops:       2,
		RelationTypes: []common.RelationType{common.RelationSupports},
	})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if ids := discoveryIDs(got); len(ids) != 1 || ids[0] != "C" {
		t.Fatalf("filtered discoveries = %v, want [C]", ids)
	}
}

func TestTraverseContradictsDecidesWeightTies(t *testing.T) {
	t.Parallel()

	// Two parallel edges of equal weight between A and B. Without the flag
	// the lower edge ID wins the tie; with it the CONTRADICTS edge is
	// explored first and survives the tie.
	build := func() *fakeGraphStore {
		g := newFakeGraph("A", "B")
		g.edge("r1", "A", "B", common.RelationSupports, 0.5, "")
		g.edge("r2", "A", "B", common.RelationContradicts, 0.5, "")
		return g
	}

	tr := NewGraphTraverser(build())
	got, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 1})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if len(got) != 1 || got[0].Path.ViaContradiction {
		t.Fatalf("without the flag, path = %+v, want the SUPPORTS edge", got[0].Path)
	}

	tr = NewGraphTraverser(build())
	got, err = tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{
		MaxHops:               1,
		PrioritizeContradicts: true,
	})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if len(got) != 1 || !got[0].Path.ViaContradiction {
		t.Fatalf("with the flag, path = %+v, want the CONTRADICTS edge", got[0].Path)
	}
	if got[0].Path.Edges[0].Type != common.RelationContradicts {
		t.Fatalf("path edge type = %s, want CONTRADICTS", got[0].Path.Edges[0].Type)
	}
}

func TestTraverseSkipsUnknownSeeds(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B")
	g.edge("r1", "A", "B", common.RelationSupports, 0.9, "")
	tr := NewGraphTraverser(g)

	got, err := tr.Traverse(context.Background(), []string{"ghost", "A"}, TraversalOptions{MaxHops: 1})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if ids := discoveryIDs(got); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("discoveries = %v, want [B]", ids)
	}

	got, err = tr.Traverse(context.Background(), []string{"ghost"}, TraversalOptions{MaxHops: 1})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("all-unknown seeds discovered %v, want nothing", discoveryIDs(got))
	}
}

func TestTraverseNegativeHopsIsInvalid(t *testing.T) {
	t.Parallel()

	tr := NewGraphTraverser(newFakeGraph())
	_, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: -1})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("negative MaxHops returned %v, want ErrInvalidParameter", err)
	}
}

func TestChunkCandidatesKeepBestScore(t *testing.T) {
	t.Parallel()

	g := newFakeGraph("A", "B", "C")
	// B's edge carries provenance p1; C's edges carry p1 and p2. B is
	// reached with a stronger path, so p1 keeps B's score.
	g.edge("r1", "A", "B", common.RelationSupports, 0.9, "p1")
	g.edge("r2", "A", "C", common.RelationSupports, 0.5, "p1")
	g.edge("r3", "C", "B", common.RelationExtends, 0.1, "p2")
	tr := NewGraphTraverser(g)

	discoveries, err := tr.Traverse(context.Background(), []string{"A"}, TraversalOptions{MaxHops: 1})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	got, err := tr.ChunkCandidates(context.Background(), discoveries)
	if err != nil {
		t.Fatalf("ChunkCandidates failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %+v, want p1 and p2", got)
	}
	if got[0].ChunkID != "p1" || got[0].Score != 0.9 {
		t.Fatalf("best candidate = %+v, want p1 at 0.9", got[0])
	}
	if got[1].ChunkID != "p2" {
		t.Fatalf("second candidate = %+v, want p2", got[1])
	}
}

func TestChunkCandidatesEmptyDiscoveries(t *testing.T) {
	t.Parallel()

	tr := NewGraphTraverser(newFakeGraph())
	got, err := tr.ChunkCandidates(context.Background(), nil)
	if err != nil {
		t.Fatalf("ChunkCandidates failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("candidates from nothing = %+v, want none", got)
	}
}
