package embed

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// Cached memoizes an Embedder by text. Failed encodings are not cached.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache[string, []float32]
}

// NewCached wraps inner with a cache of roughly maxEntries vectors.
func NewCached(inner Embedder, maxEntries int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Encode returns the cached vector for text, computing it on a miss.
// Callers must not modify the returned slice.
func (c *Cached) Encode(ctx context.Context, text string) ([]float32, error) {
	key := TextHash(c.inner.Model(), text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, v, 1)
	return v, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() {
	c.cache.Wait()
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }
func (c *Cached) Model() string  { return c.inner.Model() }

// Close releases the cache and the wrapped embedder.
func (c *Cached) Close() error {
	c.cache.Close()
	if closer, ok := c.inner.(Closer); ok {
		return closer.Close()
	}
	return nil
}
