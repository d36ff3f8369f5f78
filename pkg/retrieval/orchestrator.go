package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

// Orchestrator is the single entry point of the retrieval engine. It wires
// the signal sources, the graph traverser, the rank fuser, and the
// parent-child expander into one request-scoped pipeline.
//
// An Orchestrator holds no per-request state and is safe for concurrent use
// as long as its sources and stores are.
type Orchestrator struct {
	chunks  store.ChunkStore
	graph   store.GraphStore
	sources []SignalSource
	trace   Tracer
	tokens  TokenCounter
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTracer installs a trace sink shared by every pipeline stage.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.trace = t
	}
}

// WithOrchestratorTokenCounter installs the token counter used for
// expansion token budgets.
func WithOrchestratorTokenCounter(tc TokenCounter) OrchestratorOption {
	return func(o *Orchestrator) {
		o.tokens = tc
	}
}

// NewOrchestrator creates an orchestrator over the given stores and signal
// sources. Which strategies are usable depends on the sources provided: the
// keyword strategy needs a source named "keyword", semantic needs
// "semantic"; graphrag and hybrid use whatever is present.
func NewOrchestrator(
	chunks store.ChunkStore,
	graph store.GraphStore,
	sources []SignalSource,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		chunks:  chunks,
		graph:   graph,
		sources: sources,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(o)
	}
	return o
}

// Retrieve runs one retrieval request. An empty result is a valid success;
// ErrAllSourcesFailed is returned only when every signal source and the
// graph branch failed or timed out, and ErrInvalidParameter when the
// request could not run at all.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		fused []Candidate
		paths map[string]*GraphPath
		err   error
	)

	switch opts.Strategy {
	case StrategyKeyword:
		fused, err = o.singleSourceCandidates(ctx, SourceKeyword, query, opts)
	case StrategySemantic:
		fused, err = o.singleSourceCandidates(ctx, SourceSemantic, query, opts)
	case StrategyGraphRAG:
		fused, paths, err = o.graphCandidates(ctx, query, opts)
	case StrategyHybrid:
		fused, paths, err = o.hybridCandidates(ctx, query, opts)
	}
	if err != nil {
		return nil, err
	}

	total := len(fused)
	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}
	for i := range fused {
		if p, ok := paths[fused[i].ID]; ok {
			fused[i].Path = p
		}
	}

	matches, err := o.resolveMatches(ctx, fused)
	if err != nil {
		return nil, err
	}

	expander := NewParentChildExpander(o.chunks,
		WithTokenCounter(o.tokens),
		WithExpanderTracer(o.trace),
	)
	expansions, err := expander.Expand(ctx, matches, opts.ContextWindow, opts.TokenBudget)
	if err != nil {
		return nil, err
	}

	return &Result{Expansions: expansions, Total: total}, nil
}

func (o *Orchestrator) source(name string) SignalSource {
	for _, s := range o.sources {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// scoreSource runs one source under the per-source deadline and records its
// timing. The error, if any, is returned for failure accounting; callers
// treat the contribution as empty in that case.
func (o *Orchestrator) scoreSource(
	ctx context.Context,
	src SignalSource,
	query string,
	scope Scope,
	opts Options,
) ([]ScoredID, error) {
	sctx := ctx
	if opts.SourceTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, opts.SourceTimeout)
		defer cancel()
	}

	start := time.Now()
	items, err := src.Score(sctx, query, scope)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	RecordSourceTiming(o.trace, fmt.Sprintf("%s:%s", src.Name(), scope.Kind), time.Since(start).Milliseconds(), errMsg)

	if err != nil {
		return nil, err
	}
	if scope.Kind == ScopeChunks {
		for _, item := range items {
			RecordConsideredChunkIDs(o.trace, item.ID)
		}
	}
	return items, nil
}

// singleSourceCandidates serves the keyword and semantic strategies: one
// source, no graph traversal. The list still flows through the fuser so the
// output carries a fused score and breakdown in the same shape as hybrid.
func (o *Orchestrator) singleSourceCandidates(
	ctx context.Context,
	name string,
	query string,
	opts Options,
) ([]Candidate, error) {
	src := o.source(name)
	if src == nil {
		return nil, fmt.Errorf("%w: no %q source configured", ErrAllSourcesFailed, name)
	}
	items, err := o.scoreSource(ctx, src, query, Scope{Kind: ScopeChunks, ParentIDs: opts.ParentFilter}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllSourcesFailed, name, err)
	}

	fuser := NewRankFuser(opts.RRFK)
	return fuser.Fuse([]SourceList{{
		Source: name,
		Weight: opts.sourceWeight(name),
		Items:  items,
	}}), nil
}

// seedEntities matches the query against the entity namespace by running the
// signal sources with the entity scope and fusing their rankings. Sources
// that cannot score entities simply return nothing.
func (o *Orchestrator) seedEntities(ctx context.Context, query string, opts Options) ([]string, error) {
	lists := make([]SourceList, 0, len(o.sources))
	var lastErr error
	failures := 0
	for _, src := range o.sources {
		items, err := o.scoreSource(ctx, src, query, Scope{Kind: ScopeEntities}, opts)
		if err != nil {
			logger.Warn("Entity matching source failed", "source", src.Name(), "err", err)
			failures++
			lastErr = err
			continue
		}
		lists = append(lists, SourceList{
			Source: src.Name(),
			Weight: opts.sourceWeight(src.Name()),
			Items:  items,
		})
	}
	if len(o.sources) > 0 && failures == len(o.sources) {
		return nil, lastErr
	}

	fuser := NewRankFuser(opts.RRFK)
	ranked := fuser.Fuse(lists)
	if len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}
	seeds := make([]string, 0, len(ranked))
	for _, c := range ranked {
		seeds = append(seeds, c.ID)
	}
	return seeds, nil
}

// graphBranch runs entity matching, traversal, and provenance collection,
// producing the graph-derived source list and the path explanations.
func (o *Orchestrator) graphBranch(
	ctx context.Context,
	query string,
	opts Options,
) ([]ScoredID, map[string]*GraphPath, error) {
	seeds, err := o.seedEntities(ctx, query, opts)
	if err != nil {
		return nil, nil, err
	}
	if len(seeds) == 0 {
		return nil, nil, nil
	}

	traverser := NewGraphTraverser(o.graph, WithTraverserTracer(o.trace))
	discoveries, err := traverser.Traverse(ctx, seeds, TraversalOptions{
		MaxHops:               opts.MaxHops,
		RelationTypes:         opts.RelationTypes,
		PrioritizeContradicts: opts.PrioritizeContradicts,
	})
	if err != nil {
		return nil, nil, err
	}

	candidates, err := traverser.ChunkCandidates(ctx, discoveries)
	if err != nil {
		return nil, nil, err
	}

	items := make([]ScoredID, 0, len(candidates))
	paths := make(map[string]*GraphPath, len(candidates))
	for _, c := range candidates {
		items = append(items, ScoredID{ID: c.ChunkID, Score: c.Score})
		path := c.Path
		paths[c.ChunkID] = &path
	}
	return items, paths, nil
}

func (o *Orchestrator) graphCandidates(
	ctx context.Context,
	query string,
	opts Options,
) ([]Candidate, map[string]*GraphPath, error) {
	items, paths, err := o.graphBranch(ctx, query, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: graph: %v", ErrAllSourcesFailed, err)
	}

	fuser := NewRankFuser(opts.RRFK)
	fused := fuser.Fuse([]SourceList{{
		Source: SourceGraph,
		Weight: opts.sourceWeight(SourceGraph),
		Items:  items,
	}})
	return fused, paths, nil
}

// hybridCandidates fans out every chunk-scoped source plus the graph branch
// concurrently, waits for all of them, and fuses the resulting lists.
// Individual failures degrade to empty contributions; only a total failure
// is surfaced.
func (o *Orchestrator) hybridCandidates(
	ctx context.Context,
	query string,
	opts Options,
) ([]Candidate, map[string]*GraphPath, error) {
	var mu sync.Mutex
	lists := make([]SourceList, 0, len(o.sources)+1)
	var paths map[string]*GraphPath
	failures := 0
	branches := len(o.sources) + 1

	eg, gctx := errgroup.WithContext(ctx)

	for _, src := range o.sources {
		eg.Go(func() error {
			items, err := o.scoreSource(gctx, src, query, Scope{Kind: ScopeChunks, ParentIDs: opts.ParentFilter}, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("Signal source failed, contributing nothing", "source", src.Name(), "err", err)
				failures++
				return nil
			}
			lists = append(lists, SourceList{
				Source: src.Name(),
				Weight: opts.sourceWeight(src.Name()),
				Items:  items,
			})
			return nil
		})
	}

	eg.Go(func() error {
		items, branchPaths, err := o.graphBranch(gctx, query, opts)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			logger.Warn("Graph branch failed, contributing nothing", "err", err)
			failures++
			return nil
		}
		lists = append(lists, SourceList{
			Source: SourceGraph,
			Weight: opts.sourceWeight(SourceGraph),
			Items:  items,
		})
		paths = branchPaths
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	if failures == branches {
		return nil, nil, fmt.Errorf("%w: %d of %d branches failed", ErrAllSourcesFailed, failures, branches)
	}

	// Deterministic fusion input order regardless of goroutine scheduling.
	sortSourceLists(lists)

	fuser := NewRankFuser(opts.RRFK)
	return fuser.Fuse(lists), paths, nil
}

// resolveMatches loads the chunks behind the fused candidates, preserving
// candidate order. A candidate whose chunk no longer exists is dropped with
// a warning.
func (o *Orchestrator) resolveMatches(ctx context.Context, candidates []Candidate) ([]Match, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	chunks, err := o.chunks.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(chunks))
	for i, c := range chunks {
		byID[c.ID] = i
	}

	matches := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		i, ok := byID[cand.ID]
		if !ok {
			logger.Warn("Fused candidate chunk missing from store", "chunk_id", cand.ID)
			continue
		}
		matches = append(matches, Match{
			Chunk:   chunks[i],
			Score:   cand.FusedScore,
			Sources: cand.Sources,
			Path:    cand.Path,
		})
	}
	return matches, nil
}
