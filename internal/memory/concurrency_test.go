package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/records"
)

// Several Memory instances on one root stand in for separate processes:
// each has its own lock manager, so they only contend through flock.
func TestSupersede_ConcurrentWritersKeepOneActive(t *testing.T) {
	const (
		instances = 3
		writers   = 12
	)
	cfg := config.Default()
	cfg.Root = t.TempDir()

	mems := make([]*Memory, instances)
	for i := range mems {
		m, err := Open(t.Context(), cfg, WithLogger(logging.Discard()), WithEmbedder(nil))
		require.NoError(t, err)
		t.Cleanup(func() { m.Close() })
		mems[i] = m
	}

	first, err := mems[0].RecordDecision(t.Context(), decision("Use Postgres", "db"), nil)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
		others    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := mems[i%instances]
			rec, err := m.SupersedeDecision(context.Background(),
				decision(fmt.Sprintf("Use database engine %d", i), "db"), []string{first.ID})

			mu.Lock()
			defer mu.Unlock()
			var cerr *ConflictError
			switch {
			case err == nil:
				winners = append(winners, rec.ID)
			case errors.As(err, &cerr):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, others)
	require.Len(t, winners, 1)
	assert.Equal(t, writers-1, conflicts)

	for _, m := range mems {
		active, err := m.List(t.Context(), records.Filter{
			Target:   "db",
			Statuses: []models.RecordStatus{models.StatusActive},
		})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, winners[0], active[0].ID)

		id, err := m.index.ActiveID(t.Context(), "db", "default")
		require.NoError(t, err)
		assert.Equal(t, winners[0], id)
	}
	assertConsistent(t, mems[0])
}
