package vectorsearch

import (
	"math"
	"testing"

	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/vecmath"
)

func TestBruteForceSearch_Ordering(t *testing.T) {
	// Query vector points in the direction of [1, 0, 0]
	queryVec := []float32{1, 0, 0}

	candidates := []index.Vector{
		{RecordID: "low", Embedding: []float32{0.1, 1, 0}},  // nearly orthogonal
		{RecordID: "high", Embedding: []float32{1, 0, 0}},   // identical = 1.0
		{RecordID: "medium", Embedding: []float32{1, 1, 0}}, // partial alignment ~0.707
	}

	results := BruteForceSearch(queryVec, candidates, 3)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if results[0].RecordID != "high" {
		t.Errorf("expected first result to be 'high', got %q", results[0].RecordID)
	}
	if results[1].RecordID != "medium" {
		t.Errorf("expected second result to be 'medium', got %q", results[1].RecordID)
	}
	if results[2].RecordID != "low" {
		t.Errorf("expected third result to be 'low', got %q", results[2].RecordID)
	}

	// Verify scores are descending
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by descending score: [%d]=%f > [%d]=%f",
				i, results[i].Score, i-1, results[i-1].Score)
		}
	}
}

func TestBruteForceSearch_DropsUnrelated(t *testing.T) {
	candidates := []index.Vector{
		{RecordID: "orthogonal", Embedding: []float32{0, 1}},
		{RecordID: "opposite", Embedding: []float32{-1, 0}},
		{RecordID: "same", Embedding: []float32{2, 0}},
	}

	results := BruteForceSearch([]float32{1, 0}, candidates, 10)

	if len(results) != 1 || results[0].RecordID != "same" {
		t.Fatalf("expected only 'same', got %+v", results)
	}
}

func TestBruteForceSearch_TiesBreakByID(t *testing.T) {
	candidates := []index.Vector{
		{RecordID: "b", Embedding: []float32{1, 0}},
		{RecordID: "a", Embedding: []float32{1, 0}},
	}

	results := BruteForceSearch([]float32{1, 0}, candidates, 2)

	if len(results) != 2 || results[0].RecordID != "a" || results[1].RecordID != "b" {
		t.Fatalf("expected [a b], got %+v", results)
	}
}

func TestBruteForceSearch_TopK(t *testing.T) {
	queryVec := []float32{1, 0, 0}

	candidates := []index.Vector{
		{RecordID: "a", Embedding: []float32{1, 0, 0}},
		{RecordID: "b", Embedding: []float32{0.9, 0.1, 0}},
		{RecordID: "c", Embedding: []float32{0.5, 0.5, 0}},
		{RecordID: "d", Embedding: []float32{0.1, 0.9, 0}},
	}

	results := BruteForceSearch(queryVec, candidates, 2)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	if results[0].RecordID != "a" {
		t.Errorf("expected first result to be 'a', got %q", results[0].RecordID)
	}
	if results[1].RecordID != "b" {
		t.Errorf("expected second result to be 'b', got %q", results[1].RecordID)
	}
}

func TestBruteForceSearch_EmptyInput(t *testing.T) {
	t.Run("empty candidates", func(t *testing.T) {
		results := BruteForceSearch([]float32{1, 0}, nil, 5)
		if len(results) != 0 {
			t.Errorf("expected empty results for nil candidates, got %d", len(results))
		}
	})

	t.Run("nil query vector", func(t *testing.T) {
		candidates := []index.Vector{
			{RecordID: "a", Embedding: []float32{1, 0}},
		}
		results := BruteForceSearch(nil, candidates, 5)
		if len(results) != 0 {
			t.Errorf("expected empty results for nil query, got %d", len(results))
		}
	})

	t.Run("zero topK", func(t *testing.T) {
		candidates := []index.Vector{
			{RecordID: "a", Embedding: []float32{1, 0}},
		}
		results := BruteForceSearch([]float32{1, 0}, candidates, 0)
		if len(results) != 0 {
			t.Errorf("expected empty results for topK=0, got %d", len(results))
		}
	})
}

func TestBruteForceSearch_SingleCandidate(t *testing.T) {
	queryVec := []float32{1, 0, 0}

	candidates := []index.Vector{
		{RecordID: "only", Embedding: []float32{0.5, 0.5, 0}},
	}

	results := BruteForceSearch(queryVec, candidates, 10)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	expectedScore := vecmath.CosineSimilarity(queryVec, candidates[0].Embedding)
	if math.Abs(results[0].Score-expectedScore) > 1e-6 {
		t.Errorf("expected score %f, got %f", expectedScore, results[0].Score)
	}
}
