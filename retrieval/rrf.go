package retrieval

import (
	"sort"

	"github.com/brunobiangulo/docdigest/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods []string `json:"methods"`
	VecRank int      `json:"vec_rank,omitempty"` // 1-based, 0 = not present
	FTSRank int      `json:"fts_rank,omitempty"` // 1-based, 0 = not present
}

// fuseRRF implements Reciprocal Rank Fusion to combine results from
// multiple retrieval methods. Each result set is ranked independently,
// then scores are combined using: score = sum(weight_i / (k + rank_i)).
// It also returns per-result method contribution info keyed by SummaryID.
func fuseRRF(
	vecResults, ftsResults []store.SearchResult,
	weightVec, weightFTS float64,
	maxResults int,
) ([]store.SearchResult, map[int64]FusedResultInfo) {
	type fusedEntry struct {
		result store.SearchResult
		score  float64
		order  int
		info   FusedResultInfo
	}

	fused := make(map[int64]*fusedEntry)
	entry := func(r store.SearchResult) *fusedEntry {
		e, ok := fused[r.SummaryID]
		if !ok {
			e = &fusedEntry{result: r, order: len(fused)}
			fused[r.SummaryID] = e
		}
		return e
	}

	for rank, r := range vecResults {
		e := entry(r)
		e.score += weightVec / float64(rrfK+rank+1)
		e.info.Methods = append(e.info.Methods, "vector")
		e.info.VecRank = rank + 1
	}

	for rank, r := range ftsResults {
		e := entry(r)
		e.score += weightFTS / float64(rrfK+rank+1)
		e.info.Methods = append(e.info.Methods, "fts")
		e.info.FTSRank = rank + 1
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	// Equal scores keep first-seen order so results are deterministic.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.SearchResult, len(entries))
	infoMap := make(map[int64]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.SummaryID] = e.info
	}

	return results, infoMap
}
