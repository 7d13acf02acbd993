// Package index maintains the rebuildable SQLite index over the record
// files: per-record metadata for point lookups, keyword text, evidence
// link counts and embedding vectors.
//
// The index is never the source of truth. Verify compares it against the
// record files and rebuilds it on absence, corruption or drift.
package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/sqlitedb"
)

// SchemaVersion is the current index schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    target TEXT NOT NULL,
    title TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    confidence REAL NOT NULL,
    phase TEXT,
    vitality TEXT,
    supersedes TEXT,   -- JSON array
    superseded_by TEXT,
    search_text TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    first_seen TEXT,
    last_seen TEXT,
    indexed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_slot ON records(target, namespace, status);
CREATE INDEX IF NOT EXISTS idx_records_namespace ON records(namespace);

-- At most one active record per (target, namespace).
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_one_active
    ON records(target, namespace) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS evidence_links (
    record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    event_id INTEGER NOT NULL,
    PRIMARY KEY (record_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_evidence_event ON evidence_links(event_id);

CREATE TABLE IF NOT EXISTS record_vectors (
    record_id TEXT PRIMARY KEY,
    model TEXT,
    dim INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    text_hash TEXT NOT NULL
);
`

var schema = sqlitedb.Schema{Version: SchemaVersion, DDL: schemaV1}

// Source enumerates the record files the index is derived from.
type Source interface {
	Walk(ctx context.Context, fn func(*models.Record) error) error
}

// Index is the SQLite-backed record index.
type Index struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	rebuilds     singleflight.Group
	needsRebuild atomic.Bool
}

// Open opens the index at path. A missing or damaged database is replaced
// by an empty one and flagged for rebuild.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Index, error) {
	logger = logging.OrDefault(logger)

	db, recovered, err := sqlitedb.OpenWithRecovery(ctx, path, 4, schema)
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	ix := &Index{db: db, path: path, logger: logger}
	if recovered {
		logger.Warn("index was unreadable and has been recreated", "path", path)
		ix.needsRebuild.Store(true)
	}
	return ix, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// NeedsRebuild reports whether the index was recreated since the last
// rebuild.
func (ix *Index) NeedsRebuild() bool {
	return ix.needsRebuild.Load()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Fingerprint hashes the indexed fields of rec. Verify compares it with
// the stored hash to detect drift.
func Fingerprint(rec *models.Record) string {
	var b strings.Builder
	for _, s := range []string{
		rec.ID, rec.Namespace, rec.Target, rec.Title, string(rec.Kind), string(rec.Status),
		strconv.FormatFloat(rec.Confidence, 'f', 6, 64),
		string(rec.Phase), string(rec.Vitality),
		strings.Join(rec.Supersedes, ","), rec.SupersededBy,
		rec.LastSeen.UTC().Format(time.RFC3339Nano),
		rec.SearchText(),
	} {
		b.WriteString(s)
		b.WriteByte(0)
	}
	for _, id := range rec.EvidenceEventIDs {
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte(',')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func upsert(ctx context.Context, q querier, rec *models.Record) error {
	supersedes, err := json.Marshal(rec.Supersedes)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (id, namespace, target, title, kind, status, confidence, phase, vitality,
			supersedes, superseded_by, search_text, content_hash, first_seen, last_seen, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace = excluded.namespace,
			target = excluded.target,
			title = excluded.title,
			kind = excluded.kind,
			status = excluded.status,
			confidence = excluded.confidence,
			phase = excluded.phase,
			vitality = excluded.vitality,
			supersedes = excluded.supersedes,
			superseded_by = excluded.superseded_by,
			search_text = excluded.search_text,
			content_hash = excluded.content_hash,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			indexed_at = excluded.indexed_at`,
		rec.ID, rec.Namespace, rec.Target, rec.Title, string(rec.Kind), string(rec.Status), rec.Confidence,
		string(rec.Phase), string(rec.Vitality), string(supersedes), rec.SupersededBy,
		strings.ToLower(rec.SearchText()), Fingerprint(rec),
		formatTime(rec.FirstSeen), formatTime(rec.LastSeen), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("indexing record %s: %w", rec.ID, err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM evidence_links WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clearing evidence links of %s: %w", rec.ID, err)
	}
	for _, eventID := range rec.EvidenceEventIDs {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO evidence_links (record_id, event_id) VALUES (?, ?)`,
			rec.ID, eventID); err != nil {
			return fmt.Errorf("linking event %d to %s: %w", eventID, rec.ID, err)
		}
	}
	return nil
}

func remove(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM evidence_links WHERE record_id = ?`, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM record_vectors WHERE record_id = ?`, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing record %s from index: %w", id, err)
	}
	return nil
}

func activeID(ctx context.Context, q querier, target, namespace string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM records WHERE target = ? AND namespace = ? AND status = 'active' ORDER BY id LIMIT 1`,
		target, namespace).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up active record for %s/%s: %w", namespace, target, err)
	}
	return id, nil
}

// ActiveID returns the id of the active record for (target, namespace), or
// "" when the slot is free.
func (ix *Index) ActiveID(ctx context.Context, target, namespace string) (string, error) {
	return activeID(ctx, ix.db, target, namespace)
}

// Upsert indexes rec outside any transaction.
func (ix *Index) Upsert(ctx context.Context, rec *models.Record) error {
	return upsert(ctx, ix.db, rec)
}

// Delete removes id and its links and vector outside any transaction.
func (ix *Index) Delete(ctx context.Context, id string) error {
	return remove(ctx, ix.db, id)
}

// Count returns the number of indexed records.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Ping checks that the database answers.
func (ix *Index) Ping(ctx context.Context) error {
	return ix.db.PingContext(ctx)
}

// LinkCounts returns the evidence link count for each of ids in a single
// grouped query. Ids without links are absent from the map.
func (ix *Index) LinkCounts(ctx context.Context, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT record_id, COUNT(*) FROM evidence_links WHERE record_id IN (`+placeholders+`) GROUP BY record_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("counting evidence links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Tx is an index transaction staged alongside record file writes.
type Tx struct {
	tx *sql.Tx
}

// BeginTx starts an index transaction.
func (ix *Index) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning index transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Upsert indexes rec inside the transaction.
func (t *Tx) Upsert(ctx context.Context, rec *models.Record) error {
	return upsert(ctx, t.tx, rec)
}

// Delete removes id inside the transaction.
func (t *Tx) Delete(ctx context.Context, id string) error {
	return remove(ctx, t.tx, id)
}

// ActiveID reads the active slot as seen by the transaction.
func (t *Tx) ActiveID(ctx context.Context, target, namespace string) (string, error) {
	return activeID(ctx, t.tx, target, namespace)
}

// StoreVector saves the embedding of a record inside the transaction.
func (t *Tx) StoreVector(ctx context.Context, v Vector) error {
	return storeVector(ctx, t.tx, v)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is
// a no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
