// Package episodic stores the append-only log of agent observations.
//
// Events are unique on (source, kind, content); appending a duplicate
// returns the existing id. After insertion only the status and the link
// to a semantic record change. Linked events are never pruned.
package episodic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/sqlitedb"
)

// SchemaVersion is the current episodic schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,
    context TEXT,        -- tagged JSON
    target TEXT NOT NULL DEFAULT '',
    ts INTEGER NOT NULL, -- unix nanoseconds
    status TEXT NOT NULL DEFAULT 'active',
    linked_id TEXT,
    link_strength REAL NOT NULL DEFAULT 0,
    UNIQUE (source, kind, content)
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_target ON events(target);
CREATE INDEX IF NOT EXISTS idx_events_linked ON events(linked_id);
`

var schema = sqlitedb.Schema{Version: SchemaVersion, DDL: schemaV1}

const eventColumns = `id, source, kind, content, context, ts, status, linked_id, link_strength`

// Store is the SQLite episodic log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the log at path, recreating it when the file is damaged.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	logger = logging.OrDefault(logger)
	db, recovered, err := sqlitedb.OpenWithRecovery(ctx, path, 4, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic log %s: %w", path, err)
	}
	if recovered {
		logger.Error("episodic log was unreadable and has been recreated; previous events are quarantined", "path", path)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts ev and returns its id. When an event with the same
// source, kind and content exists, its id is returned with duplicate set
// and nothing is written.
func (s *Store) Append(ctx context.Context, ev *models.Event) (id int64, duplicate bool, err error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Status == "" {
		ev.Status = models.EventActive
	}
	var contextJSON sql.NullString
	if ev.Context != nil {
		raw, err := models.MarshalContext(ev.Context)
		if err != nil {
			return 0, false, err
		}
		contextJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (source, kind, content, context, target, ts, status, linked_id, link_strength)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, kind, content) DO NOTHING`,
		ev.Source, string(ev.Kind), ev.Content, contextJSON, ev.Target(),
		ev.Timestamp.UnixNano(), string(ev.Status), nullString(ev.LinkedID), ev.LinkStrength)
	if err != nil {
		return 0, false, fmt.Errorf("failed to append event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM events WHERE source = ? AND kind = ? AND content = ?`,
			ev.Source, string(ev.Kind), ev.Content).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to look up duplicate event: %w", err)
		}
		ev.ID = id
		return id, true, nil
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	ev.ID = id
	return id, false, nil
}

// Import inserts events with their original ids, status and links in
// one transaction. It is used to restore a backup into an empty log.
func (s *Store) Import(ctx context.Context, events []*models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		var contextJSON sql.NullString
		if ev.Context != nil {
			raw, err := models.MarshalContext(ev.Context)
			if err != nil {
				return err
			}
			contextJSON = sql.NullString{String: string(raw), Valid: true}
		}
		status := ev.Status
		if status == "" {
			status = models.EventActive
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, source, kind, content, context, target, ts, status, linked_id, link_strength)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Source, string(ev.Kind), ev.Content, contextJSON, ev.Target(),
			ev.Timestamp.UnixNano(), string(status), nullString(ev.LinkedID), ev.LinkStrength); err != nil {
			return fmt.Errorf("failed to import event %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// Discard removes imported events, linked or not. It undoes an Import
// whose surrounding transaction failed.
func (s *Store) Discard(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to discard imported events: %w", err)
	}
	return nil
}

// Get returns the event with the given id or models.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, models.ErrNotFound)
	}
	return ev, err
}

// Filter selects events for Query. Zero fields do not constrain.
type Filter struct {
	Since    time.Time
	Before   time.Time
	Status   models.EventStatus
	Target   string
	Kinds    []models.EventKind
	LinkedTo string
	Unlinked bool
	Limit    int
}

// Query returns the events matching f ordered by timestamp then id.
func (s *Store) Query(ctx context.Context, f Filter) ([]*models.Event, error) {
	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "ts > ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Before.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Before.UnixNano())
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if f.LinkedTo != "" {
		where = append(where, "linked_id = ?")
		args = append(args, f.LinkedTo)
	}
	if f.Unlinked {
		where = append(where, "linked_id IS NULL")
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Latest returns the most recent event linked to recordID, or nil.
func (s *Store) Latest(ctx context.Context, recordID string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE linked_id = ? ORDER BY ts DESC, id DESC LIMIT 1`, recordID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// Link attaches the event to a semantic record, making it immortal. An
// archived event becomes active again.
func (s *Store) Link(ctx context.Context, eventID int64, recordID string, strength float64) error {
	if recordID == "" {
		return fmt.Errorf("linking event %d: empty record id", eventID)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET linked_id = ?, link_strength = ?,
			status = CASE WHEN status = 'archived' THEN 'active' ELSE status END
		WHERE id = ?`,
		recordID, models.ClampConfidence(strength), eventID)
	if err != nil {
		return fmt.Errorf("failed to link event %d: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", eventID, models.ErrNotFound)
	}
	return nil
}

// Unlink detaches a single event from its record.
func (s *Store) Unlink(ctx context.Context, eventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET linked_id = NULL, link_strength = 0 WHERE id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to unlink event %d: %w", eventID, err)
	}
	return nil
}

// Link describes one event-to-record attachment.
type Link struct {
	EventID  int64
	Strength float64
}

// UnlinkRecord detaches every event linked to recordID and returns the
// links it removed so they can be restored.
func (s *Store) UnlinkRecord(ctx context.Context, recordID string) ([]Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, link_strength FROM events WHERE linked_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to read links of %s: %w", recordID, err)
	}
	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.EventID, &l.Strength); err != nil {
			rows.Close()
			return nil, err
		}
		links = append(links, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET linked_id = NULL, link_strength = 0 WHERE linked_id = ?`, recordID); err != nil {
		return nil, fmt.Errorf("failed to unlink events of %s: %w", recordID, err)
	}
	return links, tx.Commit()
}

// Relink restores links previously removed by UnlinkRecord.
func (s *Store) Relink(ctx context.Context, recordID string, links []Link) error {
	var errs []error
	for _, l := range links {
		if err := s.Link(ctx, l.EventID, recordID, l.Strength); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CountLinked returns how many events are linked to recordID.
func (s *Store) CountLinked(ctx context.Context, recordID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE linked_id = ?`, recordID).Scan(&n)
	return n, err
}

// Archive flips the given active events to archived. Linked events are
// left alone. It returns the number of events changed.
func (s *Store) Archive(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = 'archived' WHERE status = 'active' AND linked_id IS NULL AND id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids)...)
	if err != nil {
		return 0, fmt.Errorf("failed to archive events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Prune permanently deletes the given archived events. Linked events are
// never deleted. It returns the number of events removed.
func (s *Store) Prune(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE status = 'archived' AND linked_id IS NULL AND id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids)...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Delete removes a single unlinked event. It is used to compensate an
// append made by a transaction that rolled back.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND linked_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var linked sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT linked_id FROM events WHERE id = ?`, id).Scan(&linked)
		if err == nil && linked.Valid {
			return &models.InvariantViolation{
				Invariant: models.InvariantImmortal,
				Detail:    fmt.Sprintf("event %d is linked to %s", id, linked.String),
			}
		}
	}
	return nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		ev          models.Event
		kind        string
		status      string
		contextJSON sql.NullString
		linked      sql.NullString
		ts          int64
	)
	if err := row.Scan(&ev.ID, &ev.Source, &kind, &ev.Content, &contextJSON, &ts, &status, &linked, &ev.LinkStrength); err != nil {
		return nil, err
	}
	ev.Kind = models.EventKind(kind)
	ev.Status = models.EventStatus(status)
	ev.Timestamp = time.Unix(0, ts)
	ev.LinkedID = linked.String
	if contextJSON.Valid && contextJSON.String != "" {
		c, err := models.UnmarshalContext([]byte(contextJSON.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode context of event %d: %w", ev.ID, err)
		}
		ev.Context = c
	}
	return &ev, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
