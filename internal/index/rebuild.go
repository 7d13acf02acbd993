package index

import (
	"context"
	"fmt"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// RebuildReport summarizes a rebuild.
type RebuildReport struct {
	Indexed int      `json:"indexed"`
	Skipped []string `json:"skipped,omitempty"`
}

// VerifyReport summarizes a verification pass.
type VerifyReport struct {
	Checked  int            `json:"checked"`
	Missing  int            `json:"missing"`
	Stale    int            `json:"stale"`
	Orphaned int            `json:"orphaned"`
	Rebuilt  bool           `json:"rebuilt"`
	Rebuild  *RebuildReport `json:"rebuild,omitempty"`
}

// Drift reports whether the index disagreed with the record files.
func (r *VerifyReport) Drift() bool {
	return r.Missing > 0 || r.Stale > 0 || r.Orphaned > 0
}

// Rebuild replaces the index content with the records enumerated by src.
// Concurrent calls share one rebuild. Records that cannot be indexed,
// such as a second active record in one slot, are skipped and reported.
func (ix *Index) Rebuild(ctx context.Context, src Source) (*RebuildReport, error) {
	v, err, _ := ix.rebuilds.Do("rebuild", func() (any, error) {
		return ix.rebuild(ctx, src)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RebuildReport), nil
}

func (ix *Index) rebuild(ctx context.Context, src Source) (*RebuildReport, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM evidence_links`, `DELETE FROM records`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("clearing index: %w", err)
		}
	}

	report := &RebuildReport{}
	err = src.Walk(ctx, func(rec *models.Record) error {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT rec`); err != nil {
			return err
		}
		if err := upsert(ctx, tx, rec); err != nil {
			ix.logger.Warn("skipping record during index rebuild", "id", rec.ID, "error", err)
			report.Skipped = append(report.Skipped, rec.ID)
			_, err = tx.ExecContext(ctx, `ROLLBACK TO rec`)
			return err
		}
		report.Indexed++
		_, err := tx.ExecContext(ctx, `RELEASE rec`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("walking records: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_vectors WHERE record_id NOT IN (SELECT id FROM records)`); err != nil {
		return nil, fmt.Errorf("pruning orphaned vectors: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing rebuild: %w", err)
	}

	ix.needsRebuild.Store(false)
	ix.logger.Info("index rebuilt", "indexed", report.Indexed, "skipped", len(report.Skipped))
	return report, nil
}

// Verify compares the index with src and rebuilds it when records are
// missing, stale or orphaned, or when the database was recreated.
func (ix *Index) Verify(ctx context.Context, src Source) (*VerifyReport, error) {
	indexed := make(map[string]string)
	rows, err := ix.db.QueryContext(ctx, `SELECT id, content_hash FROM records`)
	if err != nil {
		return nil, fmt.Errorf("reading index hashes: %w", err)
	}
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return nil, err
		}
		indexed[id] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	err = src.Walk(ctx, func(rec *models.Record) error {
		report.Checked++
		hash, ok := indexed[rec.ID]
		switch {
		case !ok:
			report.Missing++
		case hash != Fingerprint(rec):
			report.Stale++
		}
		delete(indexed, rec.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking records: %w", err)
	}
	report.Orphaned = len(indexed)

	if report.Drift() || ix.NeedsRebuild() {
		ix.logger.Info("index drift detected",
			"missing", report.Missing, "stale", report.Stale, "orphaned", report.Orphaned)
		rb, err := ix.Rebuild(ctx, src)
		if err != nil {
			return report, err
		}
		report.Rebuilt = true
		report.Rebuild = rb
	}
	return report, nil
}
