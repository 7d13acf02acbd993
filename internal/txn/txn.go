// Package txn provides all-or-nothing transactions over the record files,
// the index database and the audit history, serialized across processes
// by the storage lock.
//
// A transaction is an explicit handle. Nested scopes share the handle and
// only the outermost Commit or Rollback finishes it and releases the lock.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/audit"
	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/lock"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
)

// ErrFinished is returned when a finished transaction is used.
var ErrFinished = errors.New("transaction already finished")

// Manager opens transactions.
type Manager struct {
	locks        *lock.Manager
	index        *index.Index
	audit        audit.Backend
	artifactRoot string
	logger       *slog.Logger
}

// NewManager returns a Manager. Files written through a transaction are
// staged with the audit backend under their path relative to artifactRoot.
func NewManager(locks *lock.Manager, ix *index.Index, backend audit.Backend, artifactRoot string, logger *slog.Logger) *Manager {
	if backend == nil {
		backend = audit.Nop{}
	}
	return &Manager{
		locks:        locks,
		index:        ix,
		audit:        backend,
		artifactRoot: artifactRoot,
		logger:       logging.OrDefault(logger),
	}
}

// Audit returns the audit backend transactions commit to.
func (m *Manager) Audit() audit.Backend {
	return m.audit
}

type undo struct {
	path    string
	existed bool
	prior   []byte
}

type validator struct {
	name string
	fn   func(ctx context.Context, tx *Tx) error
}

// Tx is an open transaction.
type Tx struct {
	m       *Manager
	handle  *lock.Handle
	ix      *index.Tx
	started time.Time

	depth   int
	failure error
	done    bool

	journal    []undo
	journaled  map[string]bool
	touched    map[string]bool
	validators []validator
	onRollback []func(context.Context) error
	onCommit   []func(hash string)
	messages   []string
}

// Begin acquires the exclusive storage lock and opens a transaction.
func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	h, err := m.locks.Acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	ixTx, err := m.index.BeginTx(ctx)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &Tx{
		m:         m,
		handle:    h,
		ix:        ixTx,
		started:   time.Now(),
		depth:     1,
		journaled: make(map[string]bool),
		touched:   make(map[string]bool),
	}, nil
}

// Do runs fn inside a new transaction and commits it with message. Any
// error or panic from fn rolls the transaction back.
func (m *Manager) Do(ctx context.Context, message string, fn func(tx *Tx) error) (err error) {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				m.logger.Error("rollback after panic failed", "error", rbErr)
			}
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx, message)
}

// Begin opens a nested scope on the transaction.
func (tx *Tx) Begin() *Tx {
	tx.depth++
	return tx
}

// Do runs fn in a nested scope. An error marks the whole transaction as
// failed; the outermost scope then rolls everything back.
func (tx *Tx) Do(ctx context.Context, message string, fn func(tx *Tx) error) error {
	tx.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx, message)
}

// Index returns the index transaction staged alongside the file writes.
func (tx *Tx) Index() *index.Tx {
	return tx.ix
}

// Touch marks a record id as modified by the transaction.
func (tx *Tx) Touch(id string) {
	tx.touched[id] = true
}

// Touched returns the sorted ids passed to Touch.
func (tx *Tx) Touched() []string {
	ids := make([]string, 0, len(tx.touched))
	for id := range tx.touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Validate registers a check that runs before commit. Registering the
// same name twice keeps the first check. A failing check rolls the
// transaction back.
func (tx *Tx) Validate(name string, fn func(ctx context.Context, tx *Tx) error) {
	for _, v := range tx.validators {
		if v.name == name {
			return
		}
	}
	tx.validators = append(tx.validators, validator{name: name, fn: fn})
}

// OnRollback registers a compensation for a side effect outside the
// transaction's stores. Compensations run in reverse order.
func (tx *Tx) OnRollback(fn func(ctx context.Context) error) {
	tx.onRollback = append(tx.onRollback, fn)
}

// OnCommit registers fn to run after a successful commit with the audit
// hash ("" when nothing was recorded).
func (tx *Tx) OnCommit(fn func(hash string)) {
	tx.onCommit = append(tx.onCommit, fn)
}

// WriteFile atomically replaces path with data and stages it for audit.
// The prior content is journaled on first touch.
func (tx *Tx) WriteFile(ctx context.Context, path string, data []byte) error {
	if tx.done {
		return ErrFinished
	}
	if err := tx.journal1(path); err != nil {
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	return tx.stage(ctx, path, data)
}

// RemoveFile deletes path and stages the removal for audit.
func (tx *Tx) RemoveFile(ctx context.Context, path string) error {
	if tx.done {
		return ErrFinished
	}
	if err := tx.journal1(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return tx.stage(ctx, path, nil)
}

func (tx *Tx) journal1(path string) error {
	if tx.journaled[path] {
		return nil
	}
	prior, err := os.ReadFile(path)
	switch {
	case err == nil:
		tx.journal = append(tx.journal, undo{path: path, existed: true, prior: prior})
	case errors.Is(err, os.ErrNotExist):
		tx.journal = append(tx.journal, undo{path: path})
	default:
		return fmt.Errorf("journaling %s: %w", path, err)
	}
	tx.journaled[path] = true
	return nil
}

func (tx *Tx) stage(ctx context.Context, path string, data []byte) error {
	rel, err := filepath.Rel(tx.m.artifactRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil
	}
	if err := tx.m.audit.AddArtifact(ctx, filepath.ToSlash(rel), data); err != nil {
		return fmt.Errorf("staging %s: %w", rel, err)
	}
	return nil
}

// Commit closes the current scope. Closing the outermost scope runs the
// validators and commits audit history then index; a failure at any step
// rolls everything back.
func (tx *Tx) Commit(ctx context.Context, message string) error {
	if tx.done {
		return ErrFinished
	}
	if message != "" {
		tx.messages = append(tx.messages, message)
	}
	tx.depth--
	if tx.depth > 0 {
		return nil
	}
	if tx.failure != nil {
		err := fmt.Errorf("transaction rolled back: %w", tx.failure)
		return errors.Join(err, tx.rollback(ctx, "nested"))
	}

	for _, v := range tx.validators {
		if err := v.fn(ctx, tx); err != nil {
			return errors.Join(err, tx.rollback(ctx, "validation"))
		}
	}

	hash, err := tx.m.audit.CommitTransaction(ctx, tx.message())
	if err != nil {
		err = fmt.Errorf("audit commit: %w", err)
		return errors.Join(err, tx.rollback(ctx, "audit"))
	}

	if err := tx.ix.Commit(); err != nil {
		err = fmt.Errorf("index commit: %w", err)
		tx.done = true
		restoreErr := tx.restore(ctx)
		if hash != "" {
			tx.revertAudit(ctx)
		}
		tx.finish(ctx, "rolled_back", "index")
		return errors.Join(err, restoreErr)
	}

	tx.done = true
	tx.finish(ctx, "committed", "")
	for _, fn := range tx.onCommit {
		fn(hash)
	}
	return nil
}

// Rollback closes the current scope with failure. Rolling back the
// outermost scope restores every journaled file, discards the index
// changes, unstages the audit artifacts and runs the compensations.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.depth--
	if tx.depth > 0 {
		if tx.failure == nil {
			tx.failure = errors.New("nested scope rolled back")
		}
		return nil
	}
	return tx.rollback(ctx, "explicit")
}

func (tx *Tx) rollback(ctx context.Context, reason string) error {
	tx.done = true
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := tx.ix.Rollback(); err != nil {
		errs = append(errs, fmt.Errorf("index rollback: %w", err))
	}
	if err := tx.restore(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := tx.m.audit.AbortTransaction(ctx); err != nil {
		errs = append(errs, fmt.Errorf("audit abort: %w", err))
	}
	tx.finish(ctx, "rolled_back", reason)
	return errors.Join(errs...)
}

// restore puts back the journaled files and runs compensations, newest
// first.
func (tx *Tx) restore(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(tx.journal) - 1; i >= 0; i-- {
		u := tx.journal[i]
		var err error
		if u.existed {
			err = writeAtomic(u.path, u.prior)
		} else if rmErr := os.Remove(u.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = rmErr
		}
		if err != nil {
			tx.m.logger.Error("failed to restore file during rollback", "path", u.path, "error", err)
			errs = append(errs, err)
		}
	}
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		if err := tx.onRollback[i](ctx); err != nil {
			tx.m.logger.Error("rollback compensation failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// revertAudit records the restored files after the index refused a
// commit the audit history already holds.
func (tx *Tx) revertAudit(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, u := range tx.journal {
		var content []byte
		if u.existed {
			content = u.prior
		}
		if err := tx.stage(ctx, u.path, content); err != nil {
			tx.m.logger.Error("failed to stage audit revert", "path", u.path, "error", err)
		}
	}
	if _, err := tx.m.audit.CommitTransaction(ctx, "revert: "+tx.message()); err != nil {
		tx.m.logger.Error("failed to record audit revert", "error", err)
	}
}

func (tx *Tx) finish(ctx context.Context, outcome, reason string) {
	if err := tx.handle.Release(); err != nil {
		tx.m.logger.Warn("failed to release storage lock", "error", err)
	}
	telemetry.RecordTransaction(ctx, outcome, reason, time.Since(tx.started))
	tx.m.logger.Debug("transaction finished", "outcome", outcome, "reason", reason,
		"files", len(tx.journal), "duration", time.Since(tx.started))
}

func (tx *Tx) message() string {
	if len(tx.messages) == 0 {
		return "ledgermind transaction"
	}
	// Nested scopes commit first; the outermost message leads.
	msgs := slices.Clone(tx.messages)
	slices.Reverse(msgs)
	return strings.Join(msgs, "; ")
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
