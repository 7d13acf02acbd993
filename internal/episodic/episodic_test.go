package episodic

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "episodic.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(content string, kind models.EventKind, ts time.Time, ctx models.EventContext) *models.Event {
	return &models.Event{Source: "agent", Kind: kind, Content: content, Timestamp: ts, Context: ctx}
}

func TestAppend_DeduplicatesOnSourceKindContent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now()

	id, dup, err := s.Append(ctx, event("disk full", models.EventError, now, models.ErrorContext{Target: "db", Message: "disk full"}))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotZero(t, id)

	again, dup, err := s.Append(ctx, event("disk full", models.EventError, now.Add(time.Minute), nil))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, id, again)

	// Same content under a different kind is a distinct event.
	other, dup, err := s.Append(ctx, event("disk full", models.EventNote, now, nil))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEqual(t, id, other)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGet_DecodesContext(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	ts := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)

	id, _, err := s.Append(ctx, event("tests pass", models.EventResult, ts, models.ResultContext{Target: "ci", Success: true}))
	require.NoError(t, err)

	ev, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventActive, ev.Status)
	assert.True(t, ev.Timestamp.Equal(ts))
	assert.Equal(t, "ci", ev.Target())
	assert.Equal(t, models.ResultContext{Target: "ci", Success: true}, ev.Context)

	_, err = s.Get(ctx, 999)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestQuery_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, target := range []string{"db", "cache", "db"} {
		_, _, err := s.Append(ctx, event("e"+target+string(rune('0'+i)), models.EventError, base.Add(time.Duration(i)*time.Hour),
			models.ErrorContext{Target: target}))
		require.NoError(t, err)
	}

	evs, err := s.Query(ctx, Filter{Target: "db"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.True(t, evs[0].Timestamp.Before(evs[1].Timestamp))

	evs, err = s.Query(ctx, Filter{Since: base})
	require.NoError(t, err)
	assert.Len(t, evs, 2, "since is exclusive")

	evs, err = s.Query(ctx, Filter{Kinds: []models.EventKind{models.EventNote}})
	require.NoError(t, err)
	assert.Empty(t, evs)

	evs, err = s.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestLinkedEventsAreImmortal(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	old := time.Now().Add(-90 * 24 * time.Hour)

	linked, _, err := s.Append(ctx, event("linked", models.EventNote, old, nil))
	require.NoError(t, err)
	loose, _, err := s.Append(ctx, event("loose", models.EventNote, old, nil))
	require.NoError(t, err)

	require.NoError(t, s.Link(ctx, linked, "rec-1", 0.8))

	n, err := s.Archive(ctx, []int64{linked, loose})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Prune(ctx, []int64{linked, loose})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, err := s.Get(ctx, linked)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", ev.LinkedID)
	assert.InDelta(t, 0.8, ev.LinkStrength, 1e-9)

	var violation *models.InvariantViolation
	require.ErrorAs(t, s.Delete(ctx, linked), &violation)
	assert.Equal(t, models.InvariantImmortal, violation.Invariant)
}

func TestLink_ReactivatesArchivedEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	id, _, err := s.Append(ctx, event("stale note", models.EventNote, time.Now().Add(-60*24*time.Hour), nil))
	require.NoError(t, err)
	n, err := s.Archive(ctx, []int64{id})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.Link(ctx, id, "rec-2", 0.6))

	ev, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventActive, ev.Status)
	assert.Equal(t, "rec-2", ev.LinkedID)

	n, err = s.Prune(ctx, []int64{id})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnlinkRecordAndRelink(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	a, _, err := s.Append(ctx, event("a", models.EventNote, time.Now(), nil))
	require.NoError(t, err)
	b, _, err := s.Append(ctx, event("b", models.EventNote, time.Now(), nil))
	require.NoError(t, err)
	require.NoError(t, s.Link(ctx, a, "rec", 1))
	require.NoError(t, s.Link(ctx, b, "rec", 0.5))

	latest, err := s.Latest(ctx, "rec")
	require.NoError(t, err)
	require.NotNil(t, latest)

	links, err := s.UnlinkRecord(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, []Link{{EventID: a, Strength: 1}, {EventID: b, Strength: 0.5}}, links)

	n, err := s.CountLinked(ctx, "rec")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Relink(ctx, "rec", links))
	n, err = s.CountLinked(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ErrorIs(t, s.Link(ctx, 999, "rec", 1), models.ErrNotFound)
}

func TestImport_KeepsIDsAndLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	linked := event("use postgres", models.EventDecision, now, models.DecisionContext{Title: "Use Postgres", Target: "db"})
	linked.ID = 42
	linked.LinkedID = "rec-1"
	linked.LinkStrength = 1
	loose := event("disk full", models.EventError, now.Add(time.Minute), models.ErrorContext{Target: "db", Message: "disk full"})
	loose.ID = 7
	loose.Status = models.EventArchived
	require.NoError(t, s.Import(ctx, []*models.Event{linked, loose}))

	got, err := s.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.LinkedID)
	assert.True(t, got.Linked())
	assert.Equal(t, "db", got.Target())

	got, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.EventArchived, got.Status)

	// New appends continue after the highest imported id.
	id, _, err := s.Append(ctx, event("new event", models.EventNote, now, nil))
	require.NoError(t, err)
	assert.Greater(t, id, int64(42))

	// A clashing id aborts the whole import.
	clash := event("other", models.EventNote, now, nil)
	clash.ID = 7
	fresh := event("fresh", models.EventNote, now, nil)
	fresh.ID = 100
	require.Error(t, s.Import(ctx, []*models.Event{fresh, clash}))
	_, err = s.Get(ctx, 100)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
