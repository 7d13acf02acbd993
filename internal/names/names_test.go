package names

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	r, err := Load(path)
	require.NoError(t, err)
	return r, path
}

func TestNormalize(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register("db", "database"))
	require.NoError(t, r.Register("Cache"))

	tests := []struct {
		in, want string
	}{
		{"db", "db"},
		{"database", "db"},
		{"cache", "Cache"},
		{"CACHE", "Cache"},
		{"queue", "queue"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Normalize(tt.in))
		})
	}
}

func TestRegister_PersistsAndMerges(t *testing.T) {
	r, path := newRegistry(t)
	require.NoError(t, r.Register("db", "database"))
	require.NoError(t, r.Register("db", "pg"))
	require.NoError(t, r.Register("db", "pg"), "registering twice is idempotent")

	// A second process registers through its own handle.
	other, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, other.Register("queue"))

	require.NoError(t, r.Register("cache"))
	assert.Equal(t, []string{"cache", "db", "queue"}, r.Names())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db", reloaded.Normalize("pg"))
	assert.Equal(t, []string{"cache", "db", "queue"}, reloaded.Names())
}

func TestRegister_RejectsStolenAlias(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register("db", "store"))
	assert.Error(t, r.Register("cache", "store"))
	assert.Error(t, r.Register("cache", "db"))
	assert.Error(t, r.Register("  "))
}

func TestSuggest(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register("postgres"))
	require.NoError(t, r.Register("redis"))
	require.NoError(t, r.Register("postgis"))

	assert.Equal(t, []string{"postgres", "postgis"}, r.Suggest("postgress", 5))
	assert.Equal(t, []string{"postgres"}, r.Suggest("postgress", 1))
	assert.Empty(t, r.Suggest("kafka", 5))
	assert.Empty(t, r.Suggest("postgres", 0))
}

func TestSuggest_ResolvesAliasesToCanonical(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.Register("database", "postgresql", "postgres"))
	require.NoError(t, r.Register("redis"))

	assert.Equal(t, []string{"database"}, r.Suggest("postgress", 5),
		"both aliases match but the canonical name is listed once")
	assert.Empty(t, r.Suggest("database", 5), "the query itself is not a suggestion")
	assert.Equal(t, []string{"redis"}, r.Suggest("rediss", 5))
}
