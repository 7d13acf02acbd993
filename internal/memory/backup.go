package memory

import (
	"context"
	"fmt"

	"github.com/sl4m3/ledgermind-sub000/internal/backup"
	"github.com/sl4m3/ledgermind-sub000/internal/episodic"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/txn"
)

// Snapshot reads every record and event under the shared lock.
func (m *Memory) Snapshot(ctx context.Context) (*backup.Snapshot, error) {
	h, err := m.locks.Acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	snap := &backup.Snapshot{CreatedAt: m.now()}
	err = m.records.Walk(ctx, func(rec *models.Record) error {
		snap.Records = append(snap.Records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	if snap.Events, err = m.events.Query(ctx, episodic.Filter{}); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return snap, nil
}

// Restore loads a snapshot into an empty store. Events keep their ids so
// evidence references stay valid. The whole restore is one transaction.
func (m *Memory) Restore(ctx context.Context, snap *backup.Snapshot) (*backup.RestoreResult, error) {
	result := &backup.RestoreResult{}
	err := m.txns.Do(ctx, fmt.Sprintf("restore %d records from backup", len(snap.Records)), func(tx *txn.Tx) error {
		nRecords, err := m.index.Count(ctx)
		if err != nil {
			return err
		}
		nEvents, err := m.events.Count(ctx)
		if err != nil {
			return err
		}
		if nRecords > 0 || nEvents > 0 {
			return fmt.Errorf("%w: %d records and %d events", backup.ErrNotEmpty, nRecords, nEvents)
		}

		if err := m.events.Import(ctx, snap.Events); err != nil {
			return err
		}
		tx.OnRollback(func(ctx context.Context) error {
			ids := make([]int64, len(snap.Events))
			for i, ev := range snap.Events {
				ids[i] = ev.ID
			}
			return m.events.Discard(ctx, ids)
		})
		result.Events = len(snap.Events)

		for _, rec := range snap.Records {
			if err := m.records.Write(ctx, tx, rec.Clone()); err != nil {
				return fmt.Errorf("restoring record %s: %w", rec.ID, err)
			}
			result.Records++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.BackfillVectors(ctx); err != nil {
		m.logger.Warn("embedding restored records failed", "error", err)
	}
	m.logger.Info("backup restored", "records", result.Records, "events", result.Events)
	return result, nil
}
