package reflection

import (
	"fmt"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/similarity"
)

// SameProcedure is the word overlap above which a new trajectory counts
// as a repetition of the drafted procedure.
const SameProcedure = 0.5

// trajectory is the run of turns on one target up to a success signal.
type trajectory struct {
	prompt string
	steps  []models.ProcedureStep
	ids    []int64
}

// trajectories splits a target's events into successful trajectories.
// A prompt opens a turn; events before the first prompt belong to no
// turn. Turns are stitched until an event signals success.
func trajectories(events []*models.Event, after time.Time) []trajectory {
	var out []trajectory
	var cur *trajectory
	for _, ev := range events {
		if !ev.Timestamp.After(after) {
			continue
		}
		if ev.Kind == models.EventPrompt {
			if cur == nil {
				cur = &trajectory{prompt: ev.Content}
			}
			cur.ids = append(cur.ids, ev.ID)
			continue
		}
		if cur == nil {
			continue
		}
		if action, ok := ev.Context.(models.ActionContext); ok {
			cur.steps = append(cur.steps, action.Step(ev.Content))
		}
		cur.ids = append(cur.ids, ev.ID)
		if outcome(ev) == models.OutcomeSuccess {
			if len(cur.steps) > 0 {
				out = append(out, *cur)
			}
			cur = nil
		}
	}
	return out
}

func (e *Engine) distill(target string, events []*models.Event, existing []*models.Record, now time.Time, result *Result) []*models.Record {
	var proc *models.Record
	var seen time.Time
	for _, r := range existing {
		if r.Hypothesis != models.HypothesisProcedure {
			continue
		}
		if r.LastSeen.After(seen) {
			seen = r.LastSeen
		}
		if r.Status == models.StatusDraft && proc == nil {
			proc = r.Clone()
		}
	}

	found := trajectories(events, seen)
	if len(found) == 0 {
		return nil
	}

	created := false
	if proc == nil {
		proc = &models.Record{
			ID:         e.newID(),
			Title:      fmt.Sprintf("Procedure for %s", target),
			Target:     target,
			Namespace:  e.cfg.Namespace,
			Kind:       models.KindProposal,
			Status:     models.StatusDraft,
			Hypothesis: models.HypothesisProcedure,
			Confidence: ProcedurePrior - procedureRepeated,
			FirstSeen:  now,
			LastSeen:   now,
		}
		created = true
	}

	for _, tr := range found {
		// A different route to success restarts the observation.
		if len(proc.Procedure) > 0 && similarity.Sequence(actions(proc.Procedure), actions(tr.steps)) < SameProcedure {
			proc.Confidence = ProcedurePrior - procedureRepeated
			proc.Frequency = 0
		}
		proc.Procedure = tr.steps
		proc.Rationale = fmt.Sprintf("Steps that resolved %q.", tr.prompt)
		proc.Confidence = models.ClampConfidence(proc.Confidence + procedureRepeated)
		proc.Frequency++
		for _, id := range tr.ids {
			if !proc.HasEvidence(id) {
				proc.EvidenceEventIDs = append(proc.EvidenceEventIDs, id)
			}
		}
	}
	proc.LastSeen = now
	proc.Vitality = models.VitalityActive
	e.review(proc, now)

	if created {
		result.Created = append(result.Created, proc.ID)
	} else {
		result.Updated = append(result.Updated, proc.ID)
	}
	e.decisions.Log("procedure_distilled", map[string]any{
		"target": target, "proposal": proc.ID, "trajectories": len(found), "steps": len(proc.Procedure),
	})
	return []*models.Record{proc}
}

func actions(steps []models.ProcedureStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}
