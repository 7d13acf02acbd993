package embed

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/vecmath"
)

// Mock is a deterministic Embedder for tests. Each token is hashed into
// one of Dim buckets, so texts sharing words have similar vectors.
type Mock struct {
	Dim int

	mu    sync.Mutex
	err   error
	calls int
}

// NewMock creates a Mock producing vectors of length dim.
func NewMock(dim int) *Mock {
	return &Mock{Dim: dim}
}

// WithError makes every subsequent Encode fail with err.
func (m *Mock) WithError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Calls returns the number of Encode calls.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Encode hashes the tokens of text into a normalized bag-of-words vector.
func (m *Mock) Encode(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	vec := make([]float32, m.Dim)
	for _, tok := range index.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(m.Dim)]++
	}
	vecmath.Normalize(vec)
	return vec, nil
}

func (m *Mock) Dimension() int { return m.Dim }
func (m *Mock) Model() string  { return "mock" }
