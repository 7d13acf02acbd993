package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/sl4m3/ledgermind-sub000/internal/audit"
	"github.com/sl4m3/ledgermind-sub000/internal/conflict"
	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/records"
	"github.com/sl4m3/ledgermind-sub000/internal/search"
	"github.com/sl4m3/ledgermind-sub000/internal/txn"
)

const defaultSource = "memory"

// SourceHuman labels provenance written by a person. Records carrying it
// cannot be forgotten through ForgetAsAgent.
const SourceHuman = "human"

// RecordDecision writes a semantic record. When the (target, namespace)
// slot is held by an active record, intent must name it; a supersede
// intent replaces the named records and a deprecate intent retires them
// first. The write also appends a provenance event to the episodic log
// and links it, together with in.Evidence, to the new record.
func (m *Memory) RecordDecision(ctx context.Context, in DecisionInput, intent *models.ResolutionIntent) (*models.Record, error) {
	if err := m.check(in); err != nil {
		return nil, err
	}
	if err := m.checkIntent(intent); err != nil {
		return nil, err
	}
	ns, err := m.namespace(in.Namespace)
	if err != nil {
		return nil, err
	}
	target := m.names.Normalize(in.Target)
	if target == "" {
		return nil, &ValidationError{Field: "target", Reason: "is empty after normalization"}
	}
	if err := m.checkIntentScope(intent, target, ns); err != nil {
		return nil, err
	}
	evidence := dedupeIDs(in.Evidence)
	if err := m.checkEvidence(ctx, evidence, ""); err != nil {
		return nil, err
	}

	kind := in.Kind
	if kind == "" {
		kind = models.KindDecision
	}
	req := conflict.Request{Kind: kind, Target: target, Namespace: ns, Intent: intent}
	if _, err := m.conflicts.Check(ctx, m.index, req, "preflight"); err != nil {
		return nil, err
	}

	rec := &models.Record{
		Title:            strings.TrimSpace(in.Title),
		Target:           target,
		Namespace:        ns,
		Kind:             kind,
		Rationale:        strings.TrimSpace(in.Rationale),
		Confidence:       defaultConfidence(kind, in.Confidence),
		Consequences:     in.Consequences,
		Alternatives:     in.Alternatives,
		EvidenceEventIDs: evidence,
		Body:             in.Body,
	}
	source := in.Source
	if source == "" {
		source = defaultSource
	}

	message := fmt.Sprintf("%s %s on %s", verb(intent), kind, target)
	err = m.txns.Do(ctx, message, func(tx *txn.Tx) error {
		return m.writeDecision(ctx, tx, rec, req, source)
	})
	if err != nil {
		return nil, err
	}

	if err := m.names.Register(target); err != nil {
		m.logger.Warn("failed to register target", "target", target, "error", err)
	}
	m.embed(ctx, rec)
	m.logger.Info("record written", "id", rec.ID, "kind", rec.Kind, "target", target, "namespace", ns)
	return rec, nil
}

// SupersedeDecision records in as the replacement of oldIDs, which must
// be the active records of its slot.
func (m *Memory) SupersedeDecision(ctx context.Context, in DecisionInput, oldIDs []string) (*models.Record, error) {
	if len(oldIDs) == 0 {
		return nil, &ValidationError{Field: "old_ids", Reason: "at least one record to supersede is required"}
	}
	return m.RecordDecision(ctx, in, &models.ResolutionIntent{
		Type:            models.ResolveSupersede,
		Rationale:       in.Rationale,
		TargetRecordIDs: oldIDs,
	})
}

func verb(intent *models.ResolutionIntent) string {
	if intent == nil {
		return "record"
	}
	return string(intent.Type)
}

func defaultConfidence(kind models.RecordKind, c *float64) float64 {
	if c != nil {
		return *c
	}
	if kind == models.KindProposal {
		return 0.5
	}
	return 1
}

// checkIntentScope rejects intents naming records of another namespace
// or of another target in the same namespace.
func (m *Memory) checkIntentScope(intent *models.ResolutionIntent, target, ns string) error {
	if intent == nil {
		return nil
	}
	for _, id := range intent.TargetRecordIDs {
		if !records.ValidSegment(id) {
			return &ValidationError{Field: "target_record_ids", Reason: fmt.Sprintf("%q is not a valid record id", id)}
		}
		rec, err := m.records.Get(id)
		if errors.Is(err, models.ErrNotFound) {
			return &ValidationError{Field: "target_record_ids", Reason: fmt.Sprintf("record %s does not exist", id)}
		}
		if err != nil {
			return err
		}
		if rec.Namespace != ns {
			return &PermissionError{
				Op:     string(intent.Type) + " " + id,
				Reason: fmt.Sprintf("record belongs to namespace %q", rec.Namespace),
			}
		}
		if rec.Target != target {
			return &ValidationError{
				Field:  "target_record_ids",
				Reason: fmt.Sprintf("record %s belongs to target %q, not %q", id, rec.Target, target),
			}
		}
	}
	return nil
}

// checkEvidence verifies that every event exists and is not linked to a
// record other than owner.
func (m *Memory) checkEvidence(ctx context.Context, ids []int64, owner string) error {
	for _, id := range ids {
		ev, err := m.events.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return &ValidationError{Field: "evidence_event_ids", Reason: fmt.Sprintf("event %d does not exist", id)}
		}
		if err != nil {
			return err
		}
		if ev.Linked() && ev.LinkedID != owner {
			return &ValidationError{
				Field:  "evidence_event_ids",
				Reason: fmt.Sprintf("event %d is already evidence for record %s", id, ev.LinkedID),
			}
		}
	}
	return nil
}

func (m *Memory) writeDecision(ctx context.Context, tx *txn.Tx, rec *models.Record, req conflict.Request, source string) error {
	if _, err := m.conflicts.Check(ctx, tx.Index(), req, "commit"); err != nil {
		return err
	}
	if err := m.checkEvidence(ctx, rec.EvidenceEventIDs, ""); err != nil {
		return err
	}
	rec.ID = uuid.NewString()
	rec.FirstSeen = m.now()
	rec.LastSeen = rec.FirstSeen

	if err := m.appendProvenance(ctx, tx, rec, source); err != nil {
		return err
	}

	var err error
	switch {
	case req.Intent != nil && req.Intent.Type == models.ResolveSupersede:
		err = m.records.Supersede(ctx, tx, rec, req.Intent.TargetRecordIDs)
	case req.Intent != nil && req.Intent.Type == models.ResolveDeprecate:
		reason := req.Intent.Rationale
		if reason == "" {
			reason = "deprecated in favour of " + rec.ID
		}
		if err = m.records.Deprecate(ctx, tx, rec.Target, rec.Namespace, req.Intent.TargetRecordIDs, reason); err == nil {
			err = m.records.Write(ctx, tx, rec)
		}
	default:
		err = m.records.Write(ctx, tx, rec)
	}
	if err != nil {
		return err
	}
	return m.linkEvents(ctx, tx, rec.ID, rec.EvidenceEventIDs, 1)
}

// appendProvenance logs the write as an episodic event and adds it to
// the record's evidence. A rollback deletes the event unless it existed
// before.
func (m *Memory) appendProvenance(ctx context.Context, tx *txn.Tx, rec *models.Record, source string) error {
	ev := &models.Event{
		Source:    source,
		Kind:      eventKind(rec.Kind),
		Content:   rec.Title + "\n" + rec.Rationale,
		Context:   recordContext(rec),
		Timestamp: m.now(),
	}
	id, duplicate, err := m.events.Append(ctx, ev)
	if err != nil {
		return err
	}
	if duplicate {
		existing, err := m.events.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing.Linked() {
			return nil
		}
	} else {
		tx.OnRollback(func(ctx context.Context) error {
			return m.events.Delete(ctx, id)
		})
	}
	if !rec.HasEvidence(id) {
		rec.EvidenceEventIDs = append(rec.EvidenceEventIDs, id)
	}
	return nil
}

func eventKind(k models.RecordKind) models.EventKind {
	switch k {
	case models.KindProposal:
		return models.EventProposal
	case models.KindConstraint:
		return models.EventConstraint
	case models.KindAssumption:
		return models.EventAssumption
	default:
		return models.EventDecision
	}
}

func recordContext(rec *models.Record) models.EventContext {
	if rec.Kind == models.KindProposal {
		return models.ProposalContext{
			Title:        rec.Title,
			Target:       rec.Target,
			Namespace:    rec.Namespace,
			Rationale:    rec.Rationale,
			Confidence:   rec.Confidence,
			Alternatives: rec.Alternatives,
		}
	}
	return models.DecisionContext{
		Title:        rec.Title,
		Target:       rec.Target,
		Namespace:    rec.Namespace,
		Kind:         rec.Kind,
		Rationale:    rec.Rationale,
		Consequences: rec.Consequences,
		Confidence:   rec.Confidence,
	}
}

// linkEvents attaches events to recordID and detaches them again if the
// transaction rolls back. Events already linked to recordID are skipped.
func (m *Memory) linkEvents(ctx context.Context, tx *txn.Tx, recordID string, ids []int64, strength float64) error {
	for _, id := range ids {
		ev, err := m.events.Get(ctx, id)
		if err != nil {
			return err
		}
		if ev.LinkedID == recordID {
			continue
		}
		if err := m.events.Link(ctx, id, recordID, strength); err != nil {
			return err
		}
		tx.OnRollback(func(ctx context.Context) error {
			return m.events.Unlink(ctx, id)
		})
	}
	return nil
}

// embed stores the vector of rec. Failures only degrade vector search.
func (m *Memory) embed(ctx context.Context, rec *models.Record) {
	if !m.vectors.Available() {
		return
	}
	if _, err := m.vectors.EmbedAndStore(ctx, m.index, rec); err != nil {
		m.logger.Warn("failed to embed record", "id", rec.ID, "error", err)
	}
}

// Get returns the record id resolves to under mode ("strict", "balanced"
// or "audit"). In strict mode a chain without an active end is reported
// as not found.
func (m *Memory) Get(ctx context.Context, id, mode string) (*models.Record, error) {
	md, err := records.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if !records.ValidSegment(id) {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a valid record id", id)}
	}
	rec, err := m.records.ResolveToTruth(ctx, id, md, m.cfg.Search.MaxDepth)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %s has no active successor: %w", id, ErrNotFound)
	}
	return rec, nil
}

// List returns the records matching f.
func (m *Memory) List(ctx context.Context, f records.Filter) ([]*models.Record, error) {
	return m.records.List(ctx, f)
}

// AcceptProposal promotes a draft proposal to a decision. When the slot
// already has an active record the proposal supersedes it. Draft
// alternatives of the proposal are rejected.
func (m *Memory) AcceptProposal(ctx context.Context, id string) (*models.Record, error) {
	if !records.ValidSegment(id) {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a valid record id", id)}
	}
	var accepted *models.Record
	err := m.txns.Do(ctx, "accept proposal "+id, func(tx *txn.Tx) error {
		p, err := m.records.Get(id)
		if err != nil {
			return err
		}
		if p.Kind != models.KindProposal || p.Status != models.StatusDraft {
			return &ValidationError{
				Field:  "id",
				Reason: fmt.Sprintf("record %s is a %s %s, not a draft proposal", id, p.Status, p.Kind),
			}
		}

		p.Kind = models.KindDecision
		p.ReadyForReview = false
		p.StatusReason = ""
		p.LastSeen = m.now()

		holder, err := tx.Index().ActiveID(ctx, p.Target, p.Namespace)
		if err != nil {
			return err
		}
		if holder != "" && holder != p.ID {
			p.Rationale = strings.TrimSpace(p.Rationale + "\n\nAccepted in place of " + holder + ".")
			err = m.records.Supersede(ctx, tx, p, []string{holder})
		} else {
			p.Status = models.StatusActive
			err = m.records.Update(ctx, tx, p)
		}
		if err != nil {
			return err
		}

		for _, alt := range p.Alternatives {
			if err := m.rejectAlternative(ctx, tx, alt, p.ID); err != nil {
				return err
			}
		}
		accepted = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.embed(ctx, accepted)
	m.logger.Info("proposal accepted", "id", id, "target", accepted.Target, "supersedes", accepted.Supersedes)
	return accepted, nil
}

// rejectAlternative rejects ref when it names a competing draft proposal.
// Free-text alternatives are left alone.
func (m *Memory) rejectAlternative(ctx context.Context, tx *txn.Tx, ref, acceptedID string) error {
	if !records.ValidSegment(ref) {
		return nil
	}
	alt, err := m.records.Get(ref)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if alt.Kind != models.KindProposal || alt.Status != models.StatusDraft {
		return nil
	}
	alt.Status = models.StatusRejected
	alt.ReadyForReview = false
	alt.StatusReason = "competing hypothesis " + acceptedID + " was accepted"
	return m.records.Update(ctx, tx, alt)
}

// RejectProposal marks a draft proposal rejected.
func (m *Memory) RejectProposal(ctx context.Context, id, reason string) (*models.Record, error) {
	if !records.ValidSegment(id) {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a valid record id", id)}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Reason: "is required"}
	}
	var rejected *models.Record
	err := m.txns.Do(ctx, "reject proposal "+id, func(tx *txn.Tx) error {
		p, err := m.records.Get(id)
		if err != nil {
			return err
		}
		if p.Kind != models.KindProposal || p.Status != models.StatusDraft {
			return &ValidationError{
				Field:  "id",
				Reason: fmt.Sprintf("record %s is a %s %s, not a draft proposal", id, p.Status, p.Kind),
			}
		}
		p.Status = models.StatusRejected
		p.ReadyForReview = false
		p.StatusReason = reason
		rejected = p
		return m.records.Update(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// LinkEvidence attaches an episodic event to a record, making the event
// immortal and reinforcing the record. Linking an event to the record it
// already supports is a no-op.
func (m *Memory) LinkEvidence(ctx context.Context, eventID int64, recordID string) (*models.Record, error) {
	if !records.ValidSegment(recordID) {
		return nil, &ValidationError{Field: "record_id", Reason: fmt.Sprintf("%q is not a valid record id", recordID)}
	}
	var linked *models.Record
	err := m.txns.Do(ctx, fmt.Sprintf("link event %d to %s", eventID, recordID), func(tx *txn.Tx) error {
		rec, err := m.records.Get(recordID)
		if err != nil {
			return err
		}
		linked = rec
		ev, err := m.events.Get(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.LinkedID == recordID && rec.HasEvidence(eventID) {
			return nil
		}
		if err := m.checkEvidence(ctx, []int64{eventID}, recordID); err != nil {
			return err
		}
		if err := m.linkEvents(ctx, tx, recordID, []int64{eventID}, 1); err != nil {
			return err
		}
		if !rec.HasEvidence(eventID) {
			rec.EvidenceEventIDs = append(rec.EvidenceEventIDs, eventID)
		}
		m.lifecycle.Reinforce(rec, m.now())
		return m.records.Update(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return linked, nil
}

// Forget deletes a record of namespace and releases its evidence events
// back to ordinary decay.
func (m *Memory) Forget(ctx context.Context, id, namespace string) error {
	return m.forgetRecord(ctx, id, namespace, false)
}

// ForgetAsAgent is Forget for the agent surface: records whose provenance
// was written by a human are refused with a PermissionError.
func (m *Memory) ForgetAsAgent(ctx context.Context, id, namespace string) error {
	return m.forgetRecord(ctx, id, namespace, true)
}

func (m *Memory) forgetRecord(ctx context.Context, id, namespace string, agent bool) error {
	ns, err := m.namespace(namespace)
	if err != nil {
		return err
	}
	if !records.ValidSegment(id) {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a valid record id", id)}
	}
	err = m.txns.Do(ctx, "forget "+id, func(tx *txn.Tx) error {
		if agent {
			if err := m.checkAgentMayForget(ctx, id); err != nil {
				return err
			}
		}
		return m.forget(ctx, tx, id, ns)
	})
	if err != nil {
		return err
	}
	m.logger.Info("record forgotten", "id", id, "namespace", ns)
	return nil
}

func (m *Memory) checkAgentMayForget(ctx context.Context, id string) error {
	rec, err := m.records.Get(id)
	if err != nil {
		return err
	}
	for _, eventID := range rec.EvidenceEventIDs {
		ev, err := m.events.Get(ctx, eventID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ev.Kind.Semantic() && ev.Source == SourceHuman {
			return &PermissionError{Op: "forget " + id, Reason: "record was written by a human"}
		}
	}
	return nil
}

func (m *Memory) forget(ctx context.Context, tx *txn.Tx, id, ns string) error {
	rec, err := m.records.Get(id)
	if err != nil {
		return err
	}
	if rec.Namespace != ns {
		return &PermissionError{Op: "forget " + id, Reason: fmt.Sprintf("record belongs to namespace %q", rec.Namespace)}
	}
	if _, err := m.records.Forget(ctx, tx, id); err != nil {
		return err
	}
	links, err := m.events.UnlinkRecord(ctx, id)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		tx.OnRollback(func(ctx context.Context) error {
			return m.events.Relink(ctx, id, links)
		})
	}
	return nil
}

// Search runs hybrid retrieval. Mode defaults to the configured mode and
// namespace to the default namespace.
func (m *Memory) Search(ctx context.Context, in SearchInput) ([]search.Result, error) {
	if err := m.check(in); err != nil {
		return nil, err
	}
	mode := in.Mode
	if mode == "" {
		mode = m.cfg.Search.DefaultMode
	}
	md, err := records.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	ns, err := m.namespace(in.Namespace)
	if err != nil {
		return nil, err
	}
	if m.index.NeedsRebuild() {
		if _, err := m.VerifyIndex(ctx); err != nil {
			return nil, err
		}
	}
	return m.search.Search(ctx, search.Query{Text: in.Query, Limit: in.Limit, Mode: md, Namespace: ns})
}

// History returns the audit trail of a record, newest first.
func (m *Memory) History(ctx context.Context, id string) ([]audit.Entry, error) {
	if !records.ValidSegment(id) {
		return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a valid record id", id)}
	}
	return m.audit.History(ctx, id)
}

// VerifyIndex compares the index with the record files under the
// exclusive lock and rebuilds it on drift.
func (m *Memory) VerifyIndex(ctx context.Context) (*index.VerifyReport, error) {
	h, err := m.locks.Acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return m.index.Verify(ctx, m.records)
}

// RebuildIndex rebuilds the index from the record files.
func (m *Memory) RebuildIndex(ctx context.Context) (*index.RebuildReport, error) {
	h, err := m.locks.Acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return m.index.Rebuild(ctx, m.records)
}

// CheckInvariants reports every violation of the supersede graph
// invariants found in the record files, and every cited evidence event
// that is no longer linked to any record.
func (m *Memory) CheckInvariants(ctx context.Context) ([]*InvariantViolation, error) {
	violations, err := m.records.Check(ctx)
	if err != nil {
		return nil, err
	}
	err = m.records.Walk(ctx, func(rec *models.Record) error {
		for _, id := range rec.EvidenceEventIDs {
			ev, err := m.events.Get(ctx, id)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !ev.Linked() {
				violations = append(violations, &InvariantViolation{
					Invariant: models.InvariantImmortal,
					Detail:    fmt.Sprintf("record %s cites event %d which is not linked", rec.ID, id),
				})
			}
		}
		return nil
	})
	return violations, err
}

// BackfillVectors embeds every record that has no vector yet.
func (m *Memory) BackfillVectors(ctx context.Context) (int, error) {
	if !m.vectors.Available() {
		return 0, nil
	}
	return m.vectors.BackfillMissing(ctx, m.index, m.records)
}

// RegisterTarget adds a canonical target name and its aliases.
func (m *Memory) RegisterTarget(name string, aliases ...string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "target", Reason: "is required"}
	}
	return m.names.Register(name, aliases...)
}

// Targets returns the registered target names.
func (m *Memory) Targets() []string {
	return m.names.Names()
}

// Stats summarizes the store.
type Stats struct {
	Records   int    `json:"records"`
	Events    int    `json:"events"`
	Targets   int    `json:"targets"`
	Vectors   bool   `json:"vectors"`
	Model     string `json:"model,omitempty"`
	Namespace string `json:"namespace"`
}

// Stats counts records, events and targets.
func (m *Memory) Stats(ctx context.Context) (*Stats, error) {
	nRecords, err := m.index.Count(ctx)
	if err != nil {
		return nil, err
	}
	nEvents, err := m.events.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Records:   nRecords,
		Events:    nEvents,
		Targets:   len(m.names.Names()),
		Vectors:   m.vectors.Available(),
		Model:     m.vectors.Model(),
		Namespace: m.cfg.Namespace,
	}, nil
}

func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
