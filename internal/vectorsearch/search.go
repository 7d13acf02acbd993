package vectorsearch

import (
	"sort"

	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/vecmath"
)

// SearchResult pairs a record ID with its similarity score.
type SearchResult struct {
	RecordID string
	Score    float64
}

// BruteForceSearch finds the topK candidates most similar to queryVec using
// cosine similarity. Candidates with no positive similarity are dropped.
// Returns results sorted by descending score, then record ID.
func BruteForceSearch(queryVec []float32, candidates []index.Vector, topK int) []SearchResult {
	if len(queryVec) == 0 || len(candidates) == 0 || topK <= 0 {
		return nil
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		score := vecmath.CosineSimilarity(queryVec, c.Embedding)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			RecordID: c.RecordID,
			Score:    score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].RecordID < results[j].RecordID
	})

	if topK > len(results) {
		topK = len(results)
	}

	return results[:topK]
}
