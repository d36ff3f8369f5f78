package retrieval

import "sort"

// SourceList is one ranked candidate list entering fusion, tagged with the
// source name and its fusion weight.
type SourceList struct {
	Source string
	Weight float64
	Items  []ScoredID
}

// RankFuser merges independently ranked candidate lists into a single
// ranking using weighted Reciprocal Rank Fusion: an item's fused score is
// the sum of weight / (k + rank) over every list it appears in.
//
// An item appearing in several lists is emitted exactly once with all of its
// contributions summed, so a chunk reached both directly and through graph
// provenance is never double counted.
type RankFuser struct {
	k float64
}

// NewRankFuser creates a fuser with the given smoothing constant. k <= 0
// falls back to the standard default of 60.
func NewRankFuser(k int) *RankFuser {
	if k <= 0 {
		k = defaultRRFK
	}
	return &RankFuser{k: float64(k)}
}

func (f *RankFuser) component(rank int, weight float64) float64 {
	if rank <= 0 {
		return 0
	}
	return weight / (f.k + float64(rank))
}

func sortSourceLists(lists []SourceList) {
	sort.Slice(lists, func(i, j int) bool {
		return lists[i].Source < lists[j].Source
	})
}

// Fuse merges the lists. Each input list is re-sorted by score descending
// with ID ascending tie-breaks before ranks are assigned, so a source that
// violates its ordering contract cannot introduce nondeterminism. The output
// is ordered by fused score descending, ties broken by item ID.
func (f *RankFuser) Fuse(lists []SourceList) []Candidate {
	byID := make(map[string]*Candidate)

	for _, list := range lists {
		ranked := make([]ScoredID, len(list.Items))
		copy(ranked, list.Items)
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].Score == ranked[j].Score {
				return ranked[i].ID < ranked[j].ID
			}
			return ranked[i].Score > ranked[j].Score
		})

		for pos, item := range ranked {
			rank := pos + 1
			contribution := f.component(rank, list.Weight)

			cand, ok := byID[item.ID]
			if !ok {
				cand = &Candidate{ID: item.ID}
				byID[item.ID] = cand
			}
			cand.FusedScore += contribution
			cand.Sources = append(cand.Sources, SourceContribution{
				Source:       list.Source,
				Rank:         rank,
				RawScore:     item.Score,
				Contribution: contribution,
			})
		}
	}

	out := make([]Candidate, 0, len(byID))
	for _, cand := range byID {
		out = append(out, *cand)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore == out[j].FusedScore {
			return out[i].ID < out[j].ID
		}
		return out[i].FusedScore > out[j].FusedScore
	})
	return out
}
