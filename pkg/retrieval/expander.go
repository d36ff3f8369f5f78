package retrieval

import (
	"context"
	"sort"

	"github.com/pharos-kms/pharos/backend/pkg/common"
	"github.com/pharos-kms/pharos/backend/pkg/logger"
	"github.com/pharos-kms/pharos/backend/pkg/store"
)

// TokenCounter reports the token count of a piece of text. The expander uses
// it to enforce Options.TokenBudget; a nil counter disables the budget.
type TokenCounter func(text string) int

// ParentChildExpander turns a ranked list of matched chunks into per-parent
// expansion records: each matched chunk is widened to a window of sibling
// chunks, and windows of the same parent are merged when they overlap or
// touch, so that generation context is never duplicated.
type ParentChildExpander struct {
	chunks store.ChunkStore
	tokens TokenCounter
	trace  Tracer
}

// ExpanderOption configures a ParentChildExpander.
type ExpanderOption func(*ParentChildExpander)

// WithTokenCounter installs the counter used for token budgets.
func WithTokenCounter(tc TokenCounter) ExpanderOption {
	return func(e *ParentChildExpander) {
		e.tokens = tc
	}
}

// WithExpanderTracer installs a trace sink for the chunk ids the expander
// considers and emits.
func WithExpanderTracer(t Tracer) ExpanderOption {
	return func(e *ParentChildExpander) {
		e.trace = t
	}
}

// NewParentChildExpander creates an expander reading sibling context from
// the given chunk store.
func NewParentChildExpander(chunks store.ChunkStore, opts ...ExpanderOption) *ParentChildExpander {
	e := &ParentChildExpander{chunks: chunks}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(e)
	}
	return e
}

type indexRange struct {
	start, end int
}

// Expand widens each match by window sibling chunks on both sides, clipped to
// the parent's valid index range, and merges same-parent windows that overlap
// or are adjacent. The returned records are ordered by their best match score
// descending, ties broken by parent ID ascending.
//
// A match whose parent no longer exists in the store is dropped with a
// logged data-integrity warning; the remaining matches are still processed.
func (e *ParentChildExpander) Expand(
	ctx context.Context,
	matches []Match,
	window int,
	tokenBudget int,
) ([]Expansion, error) {
	if window < 0 {
		return nil, invalidParam("context_window must not be negative, got %d", window)
	}

	byParent := make(map[string][]Match)
	parentOrder := make([]string, 0)
	for _, m := range matches {
		if _, ok := byParent[m.Chunk.ParentID]; !ok {
			parentOrder = append(parentOrder, m.Chunk.ParentID)
		}
		byParent[m.Chunk.ParentID] = append(byParent[m.Chunk.ParentID], m)
	}

	expansions := make([]Expansion, 0, len(parentOrder))
	for _, parentID := range parentOrder {
		parentMatches := byParent[parentID]

		siblings, err := e.chunks.GetChunksByParent(ctx, parentID)
		if err != nil {
			if IsNotFound(err) {
				logger.Warn("Dropping matches with missing parent", "parent_id", parentID, "matches", len(parentMatches))
				continue
			}
			return nil, err
		}
		if len(siblings) == 0 {
			logger.Warn("Dropping matches with empty parent", "parent_id", parentID, "matches", len(parentMatches))
			continue
		}

		exp := e.expandParent(parentID, parentMatches, siblings, window, tokenBudget)
		expansions = append(expansions, exp)

		if e.trace != nil {
			for _, w := range exp.Windows {
				for _, c := range w.Chunks {
					RecordUsedChunkIDs(e.trace, c.ID)
				}
			}
		}
	}

	sort.SliceStable(expansions, func(i, j int) bool {
		if expansions[i].BestScore == expansions[j].BestScore {
			return expansions[i].ParentID < expansions[j].ParentID
		}
		return expansions[i].BestScore > expansions[j].BestScore
	})

	return expansions, nil
}

func (e *ParentChildExpander) expandParent(
	parentID string,
	matches []Match,
	siblings []common.Chunk,
	window int,
	tokenBudget int,
) Expansion {
	n := len(siblings)

	matchedIndexes := make(map[int]bool, len(matches))
	ranges := make([]indexRange, 0, len(matches))
	best := matches[0].Score
	for _, m := range matches {
		if m.Score > best {
			best = m.Score
		}
		idx := m.Chunk.ChunkIndex
		if idx < 0 {
			idx = 0
		}
		if idx > n-1 {
			idx = n - 1
		}
		matchedIndexes[idx] = true
		ranges = append(ranges, indexRange{
			start: max(idx-window, 0),
			end:   min(idx+window, n-1),
		})
	}

	merged := mergeRanges(ranges)

	windows := make([]Window, 0, len(merged))
	for _, r := range merged {
		chunks := make([]common.Chunk, 0, r.end-r.start+1)
		for i := r.start; i <= r.end; i++ {
			chunks = append(chunks, siblings[i])
		}
		windows = append(windows, Window{Start: r.start, End: r.end, Chunks: chunks})
	}

	if tokenBudget > 0 && e.tokens != nil {
		windows = e.applyTokenBudget(windows, matchedIndexes, tokenBudget)
	}

	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score == ordered[j].Score {
			return ordered[i].Chunk.ID < ordered[j].Chunk.ID
		}
		return ordered[i].Score > ordered[j].Score
	})

	return Expansion{
		ParentID:  parentID,
		Windows:   windows,
		Matches:   ordered,
		BestScore: best,
	}
}

// mergeRanges unions ranges that overlap or touch. Input order is arbitrary;
// output is sorted by start index.
func mergeRanges(ranges []indexRange) []indexRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]indexRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].start == sorted[j].start {
			return sorted[i].end < sorted[j].end
		}
		return sorted[i].start < sorted[j].start
	})

	merged := []indexRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end+1 {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// applyTokenBudget trims context chunks from the widest windows until the
// record fits the budget. Matched chunks are never removed, so a record can
// still exceed the budget when the matches alone do.
func (e *ParentChildExpander) applyTokenBudget(
	windows []Window,
	matchedIndexes map[int]bool,
	budget int,
) []Window {
	total := 0
	for _, w := range windows {
		for _, c := range w.Chunks {
			total += e.tokens(c.Content)
		}
	}

	// Trim context chunks from the outside in, alternating window ends,
	// until the budget holds or only matched chunks remain.
	for total > budget {
		trimmed := false
		for wi := len(windows) - 1; wi >= 0 && total > budget; wi-- {
			w := &windows[wi]
			if len(w.Chunks) > 0 && !matchedIndexes[w.End] {
				total -= e.tokens(w.Chunks[len(w.Chunks)-1].Content)
				w.Chunks = w.Chunks[:len(w.Chunks)-1]
				w.End--
				trimmed = true
				continue
			}
			if len(w.Chunks) > 0 && !matchedIndexes[w.Start] {
				total -= e.tokens(w.Chunks[0].Content)
				w.Chunks = w.Chunks[1:]
				w.Start++
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}

	kept := windows[:0]
	for _, w := range windows {
		if len(w.Chunks) > 0 {
			kept = append(kept, w)
		}
	}
	return kept
}
