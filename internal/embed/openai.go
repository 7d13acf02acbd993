package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/vecmath"
)

const (
	openAIDefaultModel   = "text-embedding-3-small"
	ollamaDefaultModel   = "nomic-embed-text"
	ollamaDefaultBaseURL = "http://localhost:11434/v1"
)

// OpenAI embeds text through an OpenAI-compatible embeddings endpoint.
// Ollama and other local servers speaking the same API work through
// BaseURL.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAI creates an OpenAI embedder from cfg.
// If cfg.APIKey is empty, it falls back to the OPENAI_API_KEY environment
// variable. If cfg.Timeout is zero, it defaults to 30 seconds.
func NewOpenAI(cfg config.EmbeddingConfig) *OpenAI {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	model := cfg.Model
	baseURL := cfg.BaseURL
	if cfg.Provider == "ollama" {
		if model == "" {
			model = ollamaDefaultModel
		}
		if baseURL == "" {
			baseURL = ollamaDefaultBaseURL
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
	}
	if model == "" {
		model = openAIDefaultModel
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		dimensions: cfg.Dimensions,
	}
}

// Encode requests the embedding of text and L2-normalizes it.
func (o *OpenAI) Encode(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.model),
	}
	if o.dimensions > 0 {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("embedding API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("calling embeddings API: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embedding in API response")
	}

	vec := resp.Data[0].Embedding
	vecmath.Normalize(vec)
	return vec, nil
}

// Dimension returns the configured dimension, or 0 when the model default
// applies.
func (o *OpenAI) Dimension() int {
	return o.dimensions
}

// Model returns the model name.
func (o *OpenAI) Model() string {
	return o.model
}
