package embed

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/vecmath"
)

func TestMock_SharedWordsAreSimilar(t *testing.T) {
	m := NewMock(64)
	a, err := m.Encode(t.Context(), "use postgres for storage")
	require.NoError(t, err)
	b, err := m.Encode(t.Context(), "postgres storage")
	require.NoError(t, err)
	c, err := m.Encode(t.Context(), "kafka queue")
	require.NoError(t, err)

	assert.Greater(t, vecmath.CosineSimilarity(a, b), vecmath.CosineSimilarity(a, c))
	assert.Equal(t, 3, m.Calls())
}

func TestCached_MemoizesSuccessOnly(t *testing.T) {
	m := NewMock(16)
	c, err := NewCached(m, 100)
	require.NoError(t, err)
	defer c.Close()

	first, err := c.Encode(t.Context(), "hello world")
	require.NoError(t, err)
	c.Wait()
	second, err := c.Encode(t.Context(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.Calls())

	m.WithError(errors.New("offline"))
	_, err = c.Encode(t.Context(), "something new")
	require.Error(t, err)
	c.Wait()
	_, err = c.Encode(t.Context(), "something new")
	require.Error(t, err)
	assert.Equal(t, 3, m.Calls())
}

func TestNew_Providers(t *testing.T) {
	e, err := New(config.EmbeddingConfig{}, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = New(config.EmbeddingConfig{Provider: "word2vec"}, logging.Discard())
	require.Error(t, err)

	e, err = New(config.EmbeddingConfig{Provider: "ollama", CacheEntries: 10}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, e)
	assert.Equal(t, ollamaDefaultModel, e.Model())
}

func TestOpenAI_Encode(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"test-model","data":[{"object":"embedding","index":0,"embedding":[3,4]}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(config.EmbeddingConfig{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL, Model: "test-model"})
	vec, err := o.Encode(t.Context(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenAI_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	o := NewOpenAI(config.EmbeddingConfig{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL})
	_, err := o.Encode(t.Context(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestTextHash(t *testing.T) {
	assert.Equal(t, TextHash("m", "a"), TextHash("m", "a"))
	assert.NotEqual(t, TextHash("m", "a"), TextHash("n", "a"))
}
