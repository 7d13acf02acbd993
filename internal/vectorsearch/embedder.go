package vectorsearch

import (
	"context"
	"fmt"
	"strings"

	"github.com/sl4m3/ledgermind-sub000/internal/embed"
	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// VectorStore persists record embeddings.
type VectorStore interface {
	StoreVector(ctx context.Context, v index.Vector) error
	VectorHash(ctx context.Context, recordID string) (string, error)
}

// Embedder bridges an embed.Embedder with the vector store.
// It handles nomic-embed-text task prefixes and orchestrates embed + store operations.
type Embedder struct {
	embed embed.Embedder
}

// NewEmbedder wraps e. Returns nil if e is nil.
func NewEmbedder(e embed.Embedder) *Embedder {
	if e == nil {
		return nil
	}
	return &Embedder{embed: e}
}

// Available returns true if the embedder is ready to produce embeddings.
func (e *Embedder) Available() bool {
	return e != nil && e.embed != nil
}

// Model returns the model name of the wrapped embedder.
func (e *Embedder) Model() string {
	if !e.Available() {
		return ""
	}
	return e.embed.Model()
}

func (e *Embedder) prefixed(task, text string) string {
	if strings.HasPrefix(e.embed.Model(), "nomic-embed") {
		return task + ": " + text
	}
	return text
}

// EmbedAndStore embeds the search text of rec and stores the vector,
// unless the stored vector was already computed from the same text.
// Reports whether a new vector was stored.
func (e *Embedder) EmbedAndStore(ctx context.Context, vs VectorStore, rec *models.Record) (bool, error) {
	text := rec.SearchText()
	hash := embed.TextHash(e.embed.Model(), text)
	current, err := vs.VectorHash(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if current == hash {
		return false, nil
	}

	vec, err := e.embed.Encode(ctx, e.prefixed("search_document", text))
	if err != nil {
		return false, fmt.Errorf("embed record %s: %w", rec.ID, err)
	}
	err = vs.StoreVector(ctx, index.Vector{
		RecordID:  rec.ID,
		Model:     e.embed.Model(),
		TextHash:  hash,
		Embedding: vec,
	})
	return err == nil, err
}

// EmbedQuery embeds a search query with a search_query prefix for retrieval.
func (e *Embedder) EmbedQuery(ctx context.Context, queryText string) ([]float32, error) {
	return e.embed.Encode(ctx, e.prefixed("search_query", queryText))
}

// BackfillMissing embeds every record from src whose vector is missing or
// stale. Failures are skipped; the next pass retries them.
// Returns the number of records embedded.
func (e *Embedder) BackfillMissing(ctx context.Context, vs VectorStore, src index.Source) (int, error) {
	count := 0
	err := src.Walk(ctx, func(rec *models.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stored, err := e.EmbedAndStore(ctx, vs, rec)
		if err != nil {
			return nil // best-effort backfill
		}
		if stored {
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("backfilling vectors: %w", err)
	}
	return count, nil
}
