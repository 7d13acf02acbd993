package records

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/txn"
)

// Mode selects how ResolveToTruth treats supersede chains.
type Mode string

const (
	// ModeStrict returns only an active final record.
	ModeStrict Mode = "strict"
	// ModeBalanced follows the chain and falls back to the last record
	// reached when no active one is found.
	ModeBalanced Mode = "balanced"
	// ModeAudit returns the requested record as stored.
	ModeAudit Mode = "audit"
)

// ParseMode converts s to a Mode, defaulting to balanced.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBalanced:
		return ModeBalanced, nil
	case ModeStrict, ModeAudit:
		return Mode(s), nil
	}
	return "", &models.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// DefaultMaxDepth bounds how many superseded_by hops truth resolution
// follows.
const DefaultMaxDepth = 5

// Supersede makes newRec the active record of its slot in place of
// oldIDs, which must all be active records of the same target and
// namespace. newRec may be a new record or an existing draft being
// promoted.
func (s *Store) Supersede(ctx context.Context, tx *txn.Tx, newRec *models.Record, oldIDs []string) error {
	if len(oldIDs) == 0 {
		return errors.New("supersede needs at least one record to replace")
	}
	oldIDs = dedupe(oldIDs)

	olds := make([]*models.Record, 0, len(oldIDs))
	for _, id := range oldIDs {
		old, err := s.Get(id)
		if err != nil {
			return err
		}
		if !old.IsActive() {
			return fmt.Errorf("cannot supersede record %s: status is %s", id, old.Status)
		}
		if old.Target != newRec.Target || old.Namespace != newRec.Namespace {
			return fmt.Errorf("cannot supersede record %s: it belongs to %s/%s, not %s/%s",
				id, old.Namespace, old.Target, newRec.Namespace, newRec.Target)
		}
		olds = append(olds, old)
	}

	if newRec.ID != "" {
		if err := s.checkAcyclic(newRec.ID, oldIDs); err != nil {
			return err
		}
	}

	existing := false
	if newRec.ID != "" {
		if _, err := s.Get(newRec.ID); err == nil {
			existing = true
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}

	return s.supersede(ctx, tx, newRec, olds, existing)
}

func (s *Store) supersede(ctx context.Context, tx *txn.Tx, newRec *models.Record, olds []*models.Record, existing bool) error {
	if newRec.ID == "" {
		newRec.ID = newID()
	}
	ids := make([]string, len(olds))
	for i, old := range olds {
		ids[i] = old.ID
		old.Status = models.StatusSuperseded
		old.SupersededBy = newRec.ID
		if err := s.put(ctx, tx, old); err != nil {
			return err
		}
	}

	newRec.Supersedes = append(newRec.Supersedes, ids...)
	newRec.Supersedes = dedupe(newRec.Supersedes)
	newRec.Status = models.StatusActive
	if existing {
		return s.Update(ctx, tx, newRec)
	}
	return s.Write(ctx, tx, newRec)
}

// checkAcyclic fails when candidate already precedes one of oldIDs, so that
// superseding them would close a cycle.
func (s *Store) checkAcyclic(candidate string, oldIDs []string) error {
	if slices.Contains(oldIDs, candidate) {
		return &models.InvariantViolation{
			Invariant: models.InvariantAcyclic,
			Detail:    fmt.Sprintf("record %s cannot supersede itself", candidate),
		}
	}
	seen := make(map[string]bool)
	queue := slices.Clone(oldIDs)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, err := s.Get(id)
		if err != nil {
			continue
		}
		for _, pred := range rec.Supersedes {
			if pred == candidate {
				return &models.InvariantViolation{
					Invariant: models.InvariantAcyclic,
					Detail:    fmt.Sprintf("record %s already precedes %s", candidate, id),
				}
			}
			queue = append(queue, pred)
		}
	}
	return nil
}

// ResolveToTruth follows superseded_by links from id for at most maxDepth
// hops. In strict mode it returns nil unless the final record is active;
// in balanced mode it returns the last record reached; in audit mode it
// returns the record itself.
func (s *Store) ResolveToTruth(ctx context.Context, id string, mode Mode, maxDepth int) (*models.Record, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if mode == ModeAudit {
		return rec, nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	seen := map[string]bool{rec.ID: true}
	for hops := 0; rec.SupersededBy != "" && hops < maxDepth; hops++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := s.Get(rec.SupersededBy)
		if errors.Is(err, models.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if seen[next.ID] {
			break
		}
		seen[next.ID] = true
		rec = next
	}

	if mode == ModeStrict && !rec.IsActive() {
		return nil, nil
	}
	return rec, nil
}

// Check verifies the graph invariants over the whole store and returns
// every violation found, ordered by invariant then detail.
func (s *Store) Check(ctx context.Context) ([]*models.InvariantViolation, error) {
	all := make(map[string]*models.Record)
	if err := s.Walk(ctx, func(r *models.Record) error {
		all[r.ID] = r
		return nil
	}); err != nil {
		return nil, err
	}

	var out []*models.InvariantViolation
	add := func(inv models.Invariant, format string, args ...any) {
		out = append(out, &models.InvariantViolation{Invariant: inv, Detail: fmt.Sprintf(format, args...)})
	}

	slots := make(map[[2]string][]string)
	for _, r := range all {
		if r.IsActive() {
			key := [2]string{r.Namespace, r.Target}
			slots[key] = append(slots[key], r.ID)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			add(models.InvariantConfidence, "record %s has confidence %v", r.ID, r.Confidence)
		}
		out = append(out, linkViolations(r, func(id string) *models.Record { return all[id] })...)
	}
	for key, ids := range slots {
		if len(ids) > 1 {
			sort.Strings(ids)
			add(models.InvariantActive, "%s/%s has %d active records: %v", key[0], key[1], len(ids), ids)
		}
	}

	// Colour walk along superseded_by: 1 on the current path, 2 done.
	state := make(map[string]int)
	for id := range all {
		path := []string{}
		cur := id
		for cur != "" && state[cur] == 0 {
			state[cur] = 1
			path = append(path, cur)
			next, ok := all[cur]
			if !ok {
				break
			}
			cur = next.SupersededBy
		}
		if cur != "" && state[cur] == 1 {
			add(models.InvariantAcyclic, "supersede cycle through %s", cur)
		}
		for _, p := range path {
			state[p] = 2
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Invariant != out[j].Invariant {
			return out[i].Invariant < out[j].Invariant
		}
		return out[i].Detail < out[j].Detail
	})
	return out, nil
}

// linkViolations checks that r and its neighbours point at each other.
func linkViolations(r *models.Record, lookup func(string) *models.Record) []*models.InvariantViolation {
	var out []*models.InvariantViolation
	if r.SupersededBy != "" {
		succ := lookup(r.SupersededBy)
		switch {
		case succ == nil:
			out = append(out, &models.InvariantViolation{
				Invariant: models.InvariantLink,
				Detail:    fmt.Sprintf("record %s is superseded by missing record %s", r.ID, r.SupersededBy),
			})
		case !slices.Contains(succ.Supersedes, r.ID):
			out = append(out, &models.InvariantViolation{
				Invariant: models.InvariantLink,
				Detail:    fmt.Sprintf("record %s names %s as successor but is not in its supersedes", r.ID, succ.ID),
			})
		}
	}
	for _, pid := range r.Supersedes {
		pred := lookup(pid)
		if pred != nil && pred.SupersededBy != r.ID {
			out = append(out, &models.InvariantViolation{
				Invariant: models.InvariantLink,
				Detail:    fmt.Sprintf("record %s supersedes %s which points at %q", r.ID, pid, pred.SupersededBy),
			})
		}
	}
	return out
}

// validateTouched runs before commit and checks the records the
// transaction modified.
func (s *Store) validateTouched(ctx context.Context, tx *txn.Tx) error {
	lookup := func(id string) *models.Record {
		r, err := s.Get(id)
		if err != nil {
			return nil
		}
		return r
	}
	for _, id := range tx.Touched() {
		rec := lookup(id)
		if rec == nil {
			continue
		}
		if rec.Confidence < 0 || rec.Confidence > 1 {
			return &models.InvariantViolation{
				Invariant: models.InvariantConfidence,
				Detail:    fmt.Sprintf("record %s has confidence %v", rec.ID, rec.Confidence),
			}
		}
		if vs := linkViolations(rec, lookup); len(vs) > 0 {
			return vs[0]
		}
		seen := map[string]bool{rec.ID: true}
		for cur := rec; cur != nil && cur.SupersededBy != ""; {
			if seen[cur.SupersededBy] {
				return &models.InvariantViolation{
					Invariant: models.InvariantAcyclic,
					Detail:    fmt.Sprintf("supersede cycle through %s", cur.SupersededBy),
				}
			}
			seen[cur.SupersededBy] = true
			cur = lookup(cur.SupersededBy)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
