// Package records persists semantic records as markdown files with YAML
// frontmatter, one file per record under <root>/<namespace>/<id>.md, and
// maintains the supersede graph between them.
//
// Every mutation goes through a txn.Tx: the file write is journaled, the
// index row is staged in the same transaction and the touched records are
// checked for graph invariants before commit.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/txn"
)

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidSegment reports whether s can be used as a record id or namespace
// directory name.
func ValidSegment(s string) bool {
	return segmentRe.MatchString(s) && !strings.Contains(s, "..") && len(s) <= 128
}

// Store is the file-backed record store.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Store rooted at root, creating the directory.
func New(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating record directory %s: %w", root, err)
	}
	return &Store{root: root, logger: logging.OrDefault(logger), now: time.Now}, nil
}

// Root returns the directory holding the namespace folders.
func (s *Store) Root() string {
	return s.root
}

// SetClock replaces the time source used for new records.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the file path of a record.
func (s *Store) Path(namespace, id string) string {
	return filepath.Join(s.root, namespace, id+".md")
}

// Get loads a record by id from any namespace.
func (s *Store) Get(id string) (*models.Record, error) {
	if !ValidSegment(id) {
		return nil, fmt.Errorf("record %q: %w", id, models.ErrNotFound)
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", id+".md"))
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	case 1:
		return s.load(matches[0])
	default:
		return nil, fmt.Errorf("record %s exists in %d namespaces", id, len(matches))
	}
}

func (s *Store) load(path string) (*models.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("record file %s: %w", path, models.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return rec, nil
}

// Walk calls fn for every decodable record, ordered by namespace then id.
// Files that fail to decode are logged and skipped.
func (s *Store) Walk(ctx context.Context, fn func(*models.Record) error) error {
	namespaces, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("listing %s: %w", s.root, err)
	}
	for _, ns := range namespaces {
		if !ns.IsDir() || strings.HasPrefix(ns.Name(), ".") {
			continue
		}
		if err := s.walkNamespace(ctx, ns.Name(), fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) walkNamespace(ctx context.Context, namespace string, fn func(*models.Record) error) error {
	dir := filepath.Join(s.root, namespace)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			continue
		}
		rec, err := s.load(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable record file", "path", filepath.Join(dir, name), "error", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Filter selects records for List. Zero fields do not constrain.
type Filter struct {
	Namespace string
	Target    string
	Kind      models.RecordKind
	Statuses  []models.RecordStatus
}

func (f Filter) match(r *models.Record) bool {
	if f.Target != "" && r.Target != f.Target {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

// List returns the records matching f.
func (s *Store) List(ctx context.Context, f Filter) ([]*models.Record, error) {
	var out []*models.Record
	collect := func(r *models.Record) error {
		if f.match(r) {
			out = append(out, r)
		}
		return nil
	}
	if f.Namespace != "" {
		return out, s.walkNamespace(ctx, f.Namespace, collect)
	}
	return out, s.Walk(ctx, collect)
}

func newID() string {
	return uuid.NewString()
}

// Write persists a new record. An empty id is assigned. Proposals start
// as drafts; every other kind starts active and must find its slot free.
func (s *Store) Write(ctx context.Context, tx *txn.Tx, rec *models.Record) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if _, err := s.Get(rec.ID); err == nil {
		return fmt.Errorf("record %s already exists", rec.ID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	now := s.now()
	if rec.Status == "" {
		rec.Status = models.StatusActive
		if rec.Kind == models.KindProposal {
			rec.Status = models.StatusDraft
		}
	}
	if rec.Phase == "" {
		rec.Phase = models.PhasePattern
	}
	if rec.Vitality == "" {
		rec.Vitality = models.VitalityActive
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = rec.FirstSeen
	}
	return s.put(ctx, tx, rec)
}

// Update rewrites an existing record in place.
func (s *Store) Update(ctx context.Context, tx *txn.Tx, rec *models.Record) error {
	existing, err := s.Get(rec.ID)
	if err != nil {
		return err
	}
	if existing.Namespace != rec.Namespace {
		return &models.PermissionError{
			Op:     "update " + rec.ID,
			Reason: fmt.Sprintf("record belongs to namespace %q", existing.Namespace),
		}
	}
	return s.put(ctx, tx, rec)
}

func (s *Store) put(ctx context.Context, tx *txn.Tx, rec *models.Record) error {
	if !ValidSegment(rec.ID) {
		return &models.ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a valid record id", rec.ID)}
	}
	if !ValidSegment(rec.Namespace) {
		return &models.ValidationError{Field: "namespace", Reason: fmt.Sprintf("%q is not a valid namespace", rec.Namespace)}
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return &models.InvariantViolation{
			Invariant: models.InvariantConfidence,
			Detail:    fmt.Sprintf("record %s has confidence %v", rec.ID, rec.Confidence),
		}
	}
	if rec.IsActive() {
		holder, err := tx.Index().ActiveID(ctx, rec.Target, rec.Namespace)
		if err != nil {
			return err
		}
		if holder != "" && holder != rec.ID {
			return &models.InvariantViolation{
				Invariant: models.InvariantActive,
				Detail:    fmt.Sprintf("%s/%s is already held by %s", rec.Namespace, rec.Target, holder),
			}
		}
	}

	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := tx.WriteFile(ctx, s.Path(rec.Namespace, rec.ID), data); err != nil {
		return err
	}
	if err := tx.Index().Upsert(ctx, rec); err != nil {
		return err
	}
	tx.Touch(rec.ID)
	tx.Validate("records", s.validateTouched)
	return nil
}

// Deprecate retires active records of the (target, namespace) slot
// without a successor.
func (s *Store) Deprecate(ctx context.Context, tx *txn.Tx, target, namespace string, ids []string, reason string) error {
	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			return err
		}
		if !rec.IsActive() {
			return fmt.Errorf("cannot deprecate record %s: status is %s", id, rec.Status)
		}
		if rec.Target != target || rec.Namespace != namespace {
			return fmt.Errorf("cannot deprecate record %s: it belongs to %s/%s, not %s/%s",
				id, rec.Namespace, rec.Target, namespace, target)
		}
		rec.Status = models.StatusDeprecated
		rec.StatusReason = reason
		if err := s.put(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Forget deletes a record and clears the supersede pointers of its
// neighbours. Unlinking episodic evidence is the caller's job.
func (s *Store) Forget(ctx context.Context, tx *txn.Tx, id string) (*models.Record, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	for _, pid := range rec.Supersedes {
		pred, err := s.Get(pid)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if pred.SupersededBy == id {
			pred.SupersededBy = ""
			if err := s.put(ctx, tx, pred); err != nil {
				return nil, err
			}
		}
	}
	if rec.SupersededBy != "" {
		succ, err := s.Get(rec.SupersededBy)
		switch {
		case err == nil:
			succ.Supersedes = slices.DeleteFunc(succ.Supersedes, func(p string) bool { return p == id })
			if len(succ.Supersedes) == 0 {
				succ.Supersedes = nil
			}
			if err := s.put(ctx, tx, succ); err != nil {
				return nil, err
			}
		case !errors.Is(err, models.ErrNotFound):
			return nil, err
		}
	}

	if err := tx.RemoveFile(ctx, s.Path(rec.Namespace, rec.ID)); err != nil {
		return nil, err
	}
	if err := tx.Index().Delete(ctx, rec.ID); err != nil {
		return nil, err
	}
	tx.Touch(rec.ID)
	tx.Validate("records", s.validateTouched)
	return rec, nil
}
