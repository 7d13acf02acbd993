// Package sqlitedb opens the SQLite databases ledgermind keeps beside its
// record files and manages their versioned schemas.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Schema is a versioned DDL script. Migrations[v] upgrades a database
// from version v-1 to v.
type Schema struct {
	Version    int
	DDL        string
	Migrations map[int]string
}

// Open opens (creating if needed) the database at path in WAL mode.
func Open(path string, maxConns int) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	return db, nil
}

// InitSchema creates the schema on a fresh database, validates integrity on
// an existing one and applies pending migrations.
func InitSchema(ctx context.Context, db *sql.DB, s Schema) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		// Schema version table doesn't exist yet, create fresh schema
		if err := createSchema(ctx, db, s); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}

	if currentVersion > s.Version {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, s.Version)
	}
	for v := currentVersion + 1; v <= s.Version; v++ {
		if err := migrate(ctx, db, v, s.Migrations[v]); err != nil {
			return fmt.Errorf("failed to migrate schema to v%d: %w", v, err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, errors.New("schema_version is empty")
	}
	return int(version.Int64), nil
}

func createSchema(ctx context.Context, db *sql.DB, s Schema) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.DDL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		s.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return tx.Commit()
}

func migrate(ctx context.Context, db *sql.DB, version int, ddl string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ddl != "" {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// ValidateIntegrity runs PRAGMA integrity_check and PRAGMA
// foreign_key_check and returns an error if any issue is reported.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fkRows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fkRows.Close()

	var fkErrors []string
	for fkRows.Next() {
		var table, parent string
		var rowid, fkid sql.NullInt64
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%d parent=%s", table, rowid.Int64, parent))
	}
	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}
	return fkRows.Err()
}

// Quarantine moves a damaged database and its WAL files aside so a fresh
// one can be created in its place. It returns the new path of the main file.
func Quarantine(path string) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("quarantining %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return dest, nil
}

// OpenWithRecovery opens the database at path and initializes its schema.
// When the file is unreadable or fails its integrity check, it is
// quarantined and recreated; recovered reports that this happened.
func OpenWithRecovery(ctx context.Context, path string, maxConns int, s Schema) (db *sql.DB, recovered bool, err error) {
	db, err = Open(path, maxConns)
	if err == nil {
		if err = InitSchema(ctx, db, s); err == nil {
			return db, false, nil
		}
		db.Close()
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	if _, qerr := Quarantine(path); qerr != nil {
		return nil, false, errors.Join(err, qerr)
	}
	db, err = Open(path, maxConns)
	if err != nil {
		return nil, true, err
	}
	if err := InitSchema(ctx, db, s); err != nil {
		db.Close()
		return nil, true, err
	}
	return db, true, nil
}
