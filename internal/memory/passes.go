package memory

import (
	"context"
	"errors"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/decay"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/records"
	"github.com/sl4m3/ledgermind-sub000/internal/reflection"
	"github.com/sl4m3/ledgermind-sub000/internal/txn"
)

// RunDecay runs one decay cycle. Planning happens without the lock; the
// semantic changes are applied in a single transaction that skips records
// reinforced or retired since planning.
func (m *Memory) RunDecay(ctx context.Context, dryRun bool) (*decay.Report, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	return m.decay.Run(ctx, dryRun)
}

// RunReflection runs one reflection pass over the recent episodic log.
func (m *Memory) RunReflection(ctx context.Context) (*reflection.Result, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	res, err := m.reflect.Run(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range res.IDs() {
		if rec, err := m.records.Get(id); err == nil {
			m.embed(ctx, rec)
		}
	}
	return res, nil
}

// semanticStore adapts Memory to decay.Semantic.
type semanticStore struct{ m *Memory }

var _ decay.Semantic = semanticStore{}

func (s semanticStore) Decayable(ctx context.Context) ([]*models.Record, error) {
	recs, err := s.m.records.List(ctx, records.Filter{
		Statuses: []models.RecordStatus{models.StatusActive, models.StatusDraft},
	})
	if err != nil {
		return nil, err
	}
	planned := make(map[string]time.Time, len(recs))
	for _, r := range recs {
		planned[r.ID] = r.LastSeen
	}
	s.m.decayPlanned = planned
	return recs, nil
}

func (s semanticStore) ApplyDecay(ctx context.Context, changes decay.Changes) error {
	m := s.m
	return m.txns.Do(ctx, "decay", func(tx *txn.Tx) error {
		for _, planned := range changes.Updated {
			cur, ok, err := m.undecayed(planned.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			planned.Namespace = cur.Namespace
			if err := m.records.Update(ctx, tx, planned); err != nil {
				return err
			}
		}
		for _, id := range changes.Forget {
			cur, ok, err := m.undecayed(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := m.forget(ctx, tx, id, cur.Namespace); err != nil {
				return err
			}
		}
		return nil
	})
}

// undecayed returns the current record when it is still the one decay
// planned against: present, active or draft, and not reinforced since.
func (m *Memory) undecayed(id string) (*models.Record, bool, error) {
	cur, err := m.records.Get(id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if cur.Status != models.StatusActive && cur.Status != models.StatusDraft {
		return cur, false, nil
	}
	if seen, ok := m.decayPlanned[id]; ok && cur.LastSeen.After(seen) {
		m.logger.Debug("skipping decay of reinforced record", "id", id)
		return cur, false, nil
	}
	return cur, true, nil
}

// proposalStore adapts Memory to reflection.ProposalStore.
type proposalStore struct{ m *Memory }

var _ reflection.ProposalStore = proposalStore{}

func (p proposalStore) Hypotheses(ctx context.Context, namespace, target string) ([]*models.Record, error) {
	recs, err := p.m.records.List(ctx, records.Filter{Namespace: namespace, Target: target})
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Hypothesis != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p proposalStore) SaveProposals(ctx context.Context, proposals []*models.Record) error {
	m := p.m
	return m.txns.Do(ctx, "reflection", func(tx *txn.Tx) error {
		for _, rec := range proposals {
			if rec.Namespace == "" {
				rec.Namespace = m.cfg.Namespace
			}
			_, err := m.records.Get(rec.ID)
			switch {
			case err == nil:
				err = m.records.Update(ctx, tx, rec)
			case errors.Is(err, models.ErrNotFound):
				err = m.records.Write(ctx, tx, rec)
			}
			if err != nil {
				return err
			}
			if err := m.linkUnclaimed(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// linkUnclaimed links the evidence events of rec that no record holds yet.
// Competing hypotheses cite the same events; the first one saved keeps
// them.
func (m *Memory) linkUnclaimed(ctx context.Context, tx *txn.Tx, rec *models.Record) error {
	var free []int64
	for _, id := range rec.EvidenceEventIDs {
		ev, err := m.events.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !ev.Linked() {
			free = append(free, id)
		}
	}
	return m.linkEvents(ctx, tx, rec.ID, free, rec.Confidence)
}

func (p proposalStore) AcceptProposal(ctx context.Context, id string) error {
	_, err := p.m.AcceptProposal(ctx, id)
	return err
}
