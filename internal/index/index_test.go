package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

type sliceSource []*models.Record

func (s sliceSource) Walk(_ context.Context, fn func(*models.Record) error) error {
	for _, r := range s {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(t.Context(), filepath.Join(t.TempDir(), "semantic_meta.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func rec(id, target, title string, status models.RecordStatus) *models.Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Record{
		ID:         id,
		Title:      title,
		Target:     target,
		Namespace:  "default",
		Kind:       models.KindDecision,
		Status:     status,
		Rationale:  "because " + title,
		Confidence: 1,
		Phase:      models.PhasePattern,
		Vitality:   models.VitalityActive,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

func TestUpsertAndActiveID(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	id, err := ix.ActiveID(ctx, "db", "default")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, ix.Upsert(ctx, rec("a", "db", "Use Postgres", models.StatusActive)))
	id, err = ix.ActiveID(ctx, "db", "default")
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	id, err = ix.ActiveID(ctx, "db", "other")
	require.NoError(t, err)
	assert.Empty(t, id, "namespaces are isolated")
}

func TestUpsert_RejectsSecondActiveInSlot(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, ix.Upsert(ctx, rec("a", "db", "Use Postgres", models.StatusActive)))
	err := ix.Upsert(ctx, rec("b", "db", "Use MySQL", models.StatusActive))
	require.Error(t, err)

	// Superseding first frees the slot.
	old := rec("a", "db", "Use Postgres", models.StatusSuperseded)
	old.SupersededBy = "b"
	require.NoError(t, ix.Upsert(ctx, old))
	require.NoError(t, ix.Upsert(ctx, rec("b", "db", "Use MySQL", models.StatusActive)))
}

func TestTx_RollbackDiscards(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	tx, err := ix.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Upsert(ctx, rec("a", "db", "Use Postgres", models.StatusActive)))

	id, err := tx.ActiveID(ctx, "db", "default")
	require.NoError(t, err)
	assert.Equal(t, "a", id, "transaction sees its own writes")

	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is a no-op")

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeywordSearch(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, ix.Upsert(ctx, rec("b", "db", "Use Postgres for storage", models.StatusActive)))
	require.NoError(t, ix.Upsert(ctx, rec("a", "cache", "Use Redis for cache", models.StatusActive)))
	require.NoError(t, ix.Upsert(ctx, rec("c", "queue", "Use Kafka", models.StatusActive)))

	hits, err := ix.KeywordSearch(ctx, "postgres storage", "default", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "b", hits[0].ID)

	// "use" matches every record equally except for title bonus ties;
	// ordering falls back to id.
	hits, err = ix.KeywordSearch(ctx, "use", "default", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})

	hits, err = ix.KeywordSearch(ctx, "use", "default", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = ix.KeywordSearch(ctx, "?!", "default", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLinkCounts(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	a := rec("a", "db", "Use Postgres", models.StatusActive)
	a.EvidenceEventIDs = []int64{1, 2, 3}
	b := rec("b", "cache", "Use Redis", models.StatusActive)
	b.EvidenceEventIDs = []int64{4}
	require.NoError(t, ix.Upsert(ctx, a))
	require.NoError(t, ix.Upsert(ctx, b))
	require.NoError(t, ix.Upsert(ctx, rec("c", "queue", "Use Kafka", models.StatusActive)))

	counts, err := ix.LinkCounts(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 3, "b": 1}, counts)

	empty, err := ix.LinkCounts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestVectors(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	require.NoError(t, ix.Upsert(ctx, rec("a", "db", "Use Postgres", models.StatusActive)))
	other := rec("b", "db", "Use Postgres", models.StatusActive)
	other.Namespace = "ops"
	require.NoError(t, ix.Upsert(ctx, other))

	require.NoError(t, ix.StoreVector(ctx, Vector{RecordID: "a", Model: "m", TextHash: "h1", Embedding: []float32{0.5, -1, 2}}))
	require.NoError(t, ix.StoreVector(ctx, Vector{RecordID: "b", Model: "m", TextHash: "h2", Embedding: []float32{1, 0, 0}}))

	vecs, err := ix.Vectors(ctx, "default")
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{0.5, -1, 2}, vecs[0].Embedding)

	all, err := ix.Vectors(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	hash, err := ix.VectorHash(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "h1", hash)
}

func TestVerify_RebuildsOnDrift(t *testing.T) {
	ix := newTestIndex(t)
	ctx := t.Context()

	a := rec("a", "db", "Use Postgres", models.StatusActive)
	require.NoError(t, ix.Upsert(ctx, a))
	require.NoError(t, ix.Upsert(ctx, rec("orphan", "queue", "Use Kafka", models.StatusActive)))

	// Files say a lost its confidence and a new record exists.
	changed := a.Clone()
	changed.Confidence = 0.4
	src := sliceSource{changed, rec("c", "cache", "Use Redis", models.StatusActive)}

	report, err := ix.Verify(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Stale)
	assert.Equal(t, 1, report.Orphaned)
	assert.True(t, report.Rebuilt)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second pass finds nothing to do.
	report, err = ix.Verify(ctx, src)
	require.NoError(t, err)
	assert.False(t, report.Drift())
	assert.False(t, report.Rebuilt)
}

func TestRebuild_SkipsDuplicateActive(t *testing.T) {
	ix := newTestIndex(t)
	src := sliceSource{
		rec("a", "db", "Use Postgres", models.StatusActive),
		rec("b", "db", "Use MySQL", models.StatusActive),
	}
	report, err := ix.Rebuild(t.Context(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, []string{"b"}, report.Skipped)
}

func TestOpen_RecoversCorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semantic_meta.db")
	require.NoError(t, os.WriteFile(path, []byte("garbage garbage garbage garbage garbage garbage garbage garbage"), 0644))

	ix, err := Open(t.Context(), path, logging.Discard())
	require.NoError(t, err)
	defer ix.Close()
	assert.True(t, ix.NeedsRebuild())

	report, err := ix.Verify(t.Context(), sliceSource{rec("a", "db", "Use Postgres", models.StatusActive)})
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.False(t, ix.NeedsRebuild())

	id, err := ix.ActiveID(t.Context(), "db", "default")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"use", "postgres", "for_prod"}, Tokenize("Use Postgres, use for_prod! a"))
}
