package retrieval

import (
	"time"

	"github.com/pharos-kms/pharos/backend/pkg/common"
)

// Strategy selects which part of the pipeline a retrieval request runs.
type Strategy string

const (
	StrategyKeyword  Strategy = "keyword"
	StrategySemantic Strategy = "semantic"
	StrategyGraphRAG Strategy = "graphrag"
	StrategyHybrid   Strategy = "hybrid"
)

const defaultRRFK = 60

// Options configures a single retrieval request. There is no module-level
// settings object; callers pass the full configuration with every call.
//
// Zero values fall back to usable defaults (TopK 10, MaxHops 2, RRFK 60,
// source weight 1.0) except Strategy, which must be set.
type Options struct {
	Strategy      Strategy
	TopK          int
	ContextWindow int

	// MaxHops bounds graph traversal by the number of edges a path may use.
	// MaxHops = 0 is valid and discovers nothing.
	MaxHops               int
	RelationTypes         []common.RelationType
	PrioritizeContradicts bool

	// RRFK is the reciprocal-rank smoothing constant k in weight / (k + rank).
	RRFK int
	// SourceWeights maps source name to its fusion weight. Missing sources
	// default to 1.0. Weights must be non-negative.
	SourceWeights map[string]float64

	// SourceTimeout is the per-source deadline. A source that misses it
	// contributes an empty list. Zero means no extra deadline beyond ctx.
	SourceTimeout time.Duration

	// TokenBudget caps the total token count of each expansion record.
	// Zero means unbounded. Matched chunks are never dropped.
	TokenBudget int

	// ParentFilter restricts chunk candidates to the given parent documents.
	// Empty means no restriction. Passed through to the signal sources.
	ParentFilter []string
}

func (o Options) withDefaults() Options {
	if o.TopK == 0 {
		o.TopK = 10
	}
	if o.MaxHops == 0 && (o.Strategy == StrategyGraphRAG || o.Strategy == StrategyHybrid) {
		o.MaxHops = 2
	}
	if o.RRFK == 0 {
		o.RRFK = defaultRRFK
	}
	return o
}

// Validate reports the first invalid parameter, wrapped in
// ErrInvalidParameter. It is called by the orchestrator before any store or
// source work happens.
func (o Options) Validate() error {
	switch o.Strategy {
	case StrategyKeyword, StrategySemantic, StrategyGraphRAG, StrategyHybrid:
	default:
		return invalidParam("unknown strategy %q", o.Strategy)
	}
	if o.TopK < 0 {
		return invalidParam("top_k must not be negative, got %d", o.TopK)
	}
	if o.ContextWindow < 0 {
		return invalidParam("context_window must not be negative, got %d", o.ContextWindow)
	}
	if o.MaxHops < 0 {
		return invalidParam("max_hops must not be negative, got %d", o.MaxHops)
	}
	if o.RRFK < 0 {
		return invalidParam("rrf_k must not be negative, got %d", o.RRFK)
	}
	if o.TokenBudget < 0 {
		return invalidParam("token_budget must not be negative, got %d", o.TokenBudget)
	}
	for name, w := range o.SourceWeights {
		if w < 0 {
			return invalidParam("weight for source %q must not be negative, got %g", name, w)
		}
	}
	return nil
}

func (o Options) sourceWeight(name string) float64 {
	if o.SourceWeights == nil {
		return 1.0
	}
	if w, ok := o.SourceWeights[name]; ok {
		return w
	}
	return 1.0
}
