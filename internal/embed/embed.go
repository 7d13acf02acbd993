// Package embed provides the embedding contract used by hybrid search and
// its implementations: an OpenAI-compatible HTTP provider, an in-memory
// cache wrapper and a deterministic mock for tests.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	// Encode returns the embedding of text.
	Encode(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length of the vectors Encode returns, or 0 when it
	// is not known until the first call.
	Dimension() int

	// Model identifies the model so stale vectors can be detected.
	Model() string
}

// Closer is implemented by embedders that hold resources.
type Closer interface {
	Close() error
}

// TextHash fingerprints the text a vector was computed from.
func TextHash(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:16])
}

// New builds the embedder described by cfg. It returns nil, nil when no
// provider is configured, which leaves search keyword-only.
func New(cfg config.EmbeddingConfig, logger *slog.Logger) (Embedder, error) {
	logger = logging.OrDefault(logger)

	var e Embedder
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai", "ollama":
		e = NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.CacheEntries > 0 {
		cached, err := NewCached(e, cfg.CacheEntries)
		if err != nil {
			return nil, err
		}
		e = cached
	}
	logger.Info("embedder configured", "provider", cfg.Provider, "model", e.Model(), "cache_entries", cfg.CacheEntries)
	return e, nil
}
