package retrieval

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pharos-kms/pharos/backend/pkg/common"
)

type fakeSource struct {
	name        string
	chunkItems  []ScoredID
	entityItems []ScoredID
	err         error
	delay       time.Duration
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Score(ctx context.Context, query string, scope Scope) ([]ScoredID, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if scope.Kind == ScopeEntities {
		return s.entityItems, nil
	}
	return s.chunkItems, nil
}

func singleDocStore(parentID string, n int) (*fakeChunkStore, []common.Chunk) {
	chunks := makeParent(parentID, n)
	return &fakeChunkStore{byParent: map[string][]common.Chunk{parentID: chunks}}, chunks
}

func TestRetrieveKeywordStrategy(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 4)
	src := &fakeSource{name: SourceKeyword, chunkItems: []ScoredID{
		{ID: chunks[1].ID, Score: 2.0},
		{ID: chunks[3].ID, Score: 1.0},
	}}
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{src})

	got, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyKeyword})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.Total != 2 {
		t.Fatalf("total = %d, want 2", got.Total)
	}
	if len(got.Expansions) != 1 || got.Expansions[0].ParentID != "doc1" {
		t.Fatalf("expansions = %+v, want one for doc1", got.Expansions)
	}
	ids := got.Expansions[0].MatchedChunkIDs()
	if !reflect.DeepEqual(ids, []string{chunks[1].ID, chunks[3].ID}) {
		t.Fatalf("matched chunk ids = %v, want [%s %s]", ids, chunks[1].ID, chunks[3].ID)
	}
	for _, m := range got.Expansions[0].Matches {
		if len(m.Sources) != 1 || m.Sources[0].Source != SourceKeyword {
			t.Fatalf("match breakdown = %+v, want a single keyword contribution", m.Sources)
		}
	}
}

func TestRetrieveMissingSourceFails(t *testing.T) {
	t.Parallel()

	cs, _ := singleDocStore("doc1", 2)
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{
		&fakeSource{name: SourceKeyword},
	})

	_, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategySemantic})
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("semantic without a semantic source returned %v, want ErrAllSourcesFailed", err)
	}
}

func TestRetrieveInvalidOptions(t *testing.T) {
	t.Parallel()

	cs, _ := singleDocStore("doc1", 2)
	o := NewOrchestrator(cs, newFakeGraph(), nil)

	cases := []Options{
		{Strategy: "fuzzy"},
		{Strategy: StrategyKeyword, TopK: -1},
		{Strategy: StrategyKeyword, ContextWindow: -2},
		{Strategy: StrategyGraphRAG, MaxHops: -1},
		{Strategy: StrategyHybrid, SourceWeights: map[string]float64{SourceKeyword: -0.5}},
	}
	for _, opts := range cases {
		if _, err := o.Retrieve(context.Background(), "query", opts); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("options %+v returned %v, want ErrInvalidParameter", opts, err)
		}
	}
}

func TestRetrieveAcceptsWeightsAboveOne(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 2)
	src := &fakeSource{name: SourceKeyword, chunkItems: []ScoredID{{ID: chunks[0].ID, Score: 1.0}}}
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{src})

	// Fusion weights are multipliers, not probabilities; only negative
	// values are rejected.
	got, err := o.Retrieve(context.Background(), "query", Options{
		Strategy:      StrategyKeyword,
		SourceWeights: map[string]float64{SourceKeyword: 2.5},
	})
	if err != nil {
		t.Fatalf("Retrieve with weight 2.5 failed: %v", err)
	}
	if c := got.Expansions[0].Matches[0].Sources[0]; c.Contribution != 2.5/61.0 {
		t.Fatalf("contribution = %g, want %g", c.Contribution, 2.5/61.0)
	}
}

func TestRetrieveEmptyResultIsSuccess(t *testing.T) {
	t.Parallel()

	cs, _ := singleDocStore("doc1", 2)
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{
		&fakeSource{name: SourceKeyword},
		&fakeSource{name: SourceSemantic},
	})

	got, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyHybrid})
	if err != nil {
		t.Fatalf("hybrid over empty sources failed: %v", err)
	}
	if got.Total != 0 || len(got.Expansions) != 0 {
		t.Fatalf("empty retrieval = %+v, want zero expansions and total", got)
	}
}

func TestRetrieveHybridToleratesPartialFailure(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 3)
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{
		&fakeSource{name: SourceKeyword, err: errors.New("index offline")},
		&fakeSource{name: SourceSemantic, chunkItems: []ScoredID{{ID: chunks[0].ID, Score: 0.9}}},
	})

	got, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyHybrid})
	if err != nil {
		t.Fatalf("hybrid with one failing source failed: %v", err)
	}
	if got.Total != 1 {
		t.Fatalf("total = %d, want the surviving source's single hit", got.Total)
	}
	m := got.Expansions[0].Matches[0]
	if len(m.Sources) != 1 || m.Sources[0].Source != SourceSemantic {
		t.Fatalf("breakdown = %+v, want only the semantic contribution", m.Sources)
	}
}

func TestRetrieveHybridAllBranchesFailed(t *testing.T) {
	t.Parallel()

	cs, _ := singleDocStore("doc1", 2)
	g := newFakeGraph()
	o := NewOrchestrator(cs, g, []SignalSource{
		&fakeSource{name: SourceKeyword, err: errors.New("index offline")},
		&fakeSource{name: SourceSemantic, err: errors.New("embedder offline")},
	})

	_, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyHybrid})
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("hybrid with every branch failing returned %v, want ErrAllSourcesFailed", err)
	}
}

func TestRetrieveSourceTimeout(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 3)
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{
		&fakeSource{name: SourceKeyword, delay: time.Second, chunkItems: []ScoredID{{ID: chunks[1].ID, Score: 5.0}}},
		&fakeSource{name: SourceSemantic, chunkItems: []ScoredID{{ID: chunks[0].ID, Score: 0.9}}},
	})

	got, err := o.Retrieve(context.Background(), "query", Options{
		Strategy:      StrategyHybrid,
		SourceTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("hybrid with one slow source failed: %v", err)
	}
	// The slow source contributes nothing; only the fast hit survives.
	if got.Total != 1 {
		t.Fatalf("total = %d, want 1", got.Total)
	}
	if id := got.Expansions[0].Matches[0].Chunk.ID; id != chunks[0].ID {
		t.Fatalf("surviving match = %s, want %s", id, chunks[0].ID)
	}
}

func TestRetrieveSingleSourceTimeoutFails(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 2)
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{
		&fakeSource{name: SourceKeyword, delay: time.Second, chunkItems: []ScoredID{{ID: chunks[0].ID, Score: 1.0}}},
	})

	_, err := o.Retrieve(context.Background(), "query", Options{
		Strategy:      StrategyKeyword,
		SourceTimeout: 20 * time.Millisecond,
	})
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("keyword timeout returned %v, want ErrAllSourcesFailed", err)
	}
}

func TestRetrieveTopKCutsAfterTotal(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 5)
	src := &fakeSource{name: SourceKeyword, chunkItems: []ScoredID{
		{ID: chunks[0].ID, Score: 5.0},
		{ID: chunks[1].ID, Score: 4.0},
		{ID: chunks[2].ID, Score: 3.0},
		{ID: chunks[3].ID, Score: 2.0},
	}}
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{src})

	got, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyKeyword, TopK: 2})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.Total != 4 {
		t.Fatalf("total = %d, want the pre-cut 4", got.Total)
	}
	if n := len(got.Expansions[0].Matches); n != 2 {
		t.Fatalf("matches after top_k = %d, want 2", n)
	}
}

func TestRetrieveGraphRAGAttachesPaths(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 3)
	g := newFakeGraph("A", "B")
	g.edge("r1", "A", "B", common.RelationContradicts, 0.8, chunks[1].ID)

	src := &fakeSource{name: SourceKeyword, entityItems: []ScoredID{{ID: "A", Score: 1.0}}}
	o := NewOrchestrator(cs, g, []SignalSource{src})

	got, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyGraphRAG})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.Total != 1 {
		t.Fatalf("total = %d, want the provenance chunk", got.Total)
	}
	m := got.Expansions[0].Matches[0]
	if m.Chunk.ID != chunks[1].ID {
		t.Fatalf("matched chunk = %s, want provenance %s", m.Chunk.ID, chunks[1].ID)
	}
	if m.Path == nil {
		t.Fatal("graph match carries no path explanation")
	}
	if m.Path.Hops != 1 || !m.Path.ViaContradiction {
		t.Fatalf("path = %+v, want one CONTRADICTS hop", m.Path)
	}
	if len(m.Sources) != 1 || m.Sources[0].Source != SourceGraph {
		t.Fatalf("breakdown = %+v, want a graph contribution", m.Sources)
	}
}

func TestRetrieveDeterministicAcrossRuns(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 4)
	sources := []SignalSource{
		&fakeSource{name: SourceKeyword, chunkItems: []ScoredID{
			{ID: chunks[2].ID, Score: 2.0},
			{ID: chunks[0].ID, Score: 1.0},
		}},
		&fakeSource{name: SourceSemantic, chunkItems: []ScoredID{
			{ID: chunks[0].ID, Score: 0.9},
			{ID: chunks[3].ID, Score: 0.8},
		}},
	}
	o := NewOrchestrator(cs, newFakeGraph(), sources)

	first, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyHybrid})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyHybrid})
		if err != nil {
			t.Fatalf("Retrieve failed on run %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged:\nfirst: %+v\nagain: %+v", i, first, again)
		}
	}
}

func TestRetrieveRecordsTrace(t *testing.T) {
	t.Parallel()

	cs, chunks := singleDocStore("doc1", 3)
	src := &fakeSource{name: SourceKeyword, chunkItems: []ScoredID{{ID: chunks[1].ID, Score: 1.0}}}
	trace := NewRetrievalTrace()
	o := NewOrchestrator(cs, newFakeGraph(), []SignalSource{src}, WithTracer(trace))

	_, err := o.Retrieve(context.Background(), "query", Options{Strategy: StrategyKeyword, ContextWindow: 1})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	snap := trace.Snapshot()
	if !reflect.DeepEqual(snap.ConsideredChunkIDs, []string{chunks[1].ID}) {
		t.Fatalf("considered = %v, want [%s]", snap.ConsideredChunkIDs, chunks[1].ID)
	}
	want := []string{chunks[0].ID, chunks[1].ID, chunks[2].ID}
	if !reflect.DeepEqual(snap.UsedChunkIDs, want) {
		t.Fatalf("used = %v, want %v", snap.UsedChunkIDs, want)
	}
	if len(snap.SourceTimings) == 0 {
		t.Fatal("no source timings recorded")
	}
}
