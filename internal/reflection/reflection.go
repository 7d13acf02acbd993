// Package reflection turns episodic evidence into draft proposals.
//
// Two passes run over the recent event log. Distillation stitches agent
// turns into trajectories and proposes the procedure of each successful
// one. Clustering groups outcomes by target and, where errors dominate,
// proposes two competing explanations whose confidence then follows the
// evidence until they are ready for review.
package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/episodic"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
)

// Confidence adjustments.
const (
	StructuralPrior = 0.5
	NoisePrior      = 0.4
	ProcedurePrior  = 0.5

	errorSupport      = 0.1
	successFalsifies  = 0.1
	successSupport    = 0.05
	procedureRepeated = 0.1
)

// Config configures reflection.
type Config struct {
	// Namespace receives the generated proposals.
	Namespace string

	Lookback            time.Duration
	MinErrors           int
	ReviewThreshold     float64
	AutoAcceptThreshold float64
	ObservationWindow   time.Duration
	Blacklist           []string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:           "default",
		Lookback:            7 * 24 * time.Hour,
		MinErrors:           2,
		ReviewThreshold:     0.6,
		AutoAcceptThreshold: 0.9,
		ObservationWindow:   time.Hour,
		Blacklist:           []string{"general", "unknown", "none", "system"},
	}
}

// EventSource reads the episodic log.
type EventSource interface {
	Query(ctx context.Context, f episodic.Filter) ([]*models.Event, error)
}

// ProposalStore persists the proposals reflection creates.
type ProposalStore interface {
	// Hypotheses returns every record of the target that reflection
	// created, in any status.
	Hypotheses(ctx context.Context, namespace, target string) ([]*models.Record, error)
	// SaveProposals writes new or updated proposals in one transaction
	// and links the given events to them as evidence.
	SaveProposals(ctx context.Context, proposals []*models.Record) error
	// AcceptProposal promotes a draft to an active decision.
	AcceptProposal(ctx context.Context, id string) error
}

// Result lists the proposals a pass touched.
type Result struct {
	Created  []string `json:"created"`
	Updated  []string `json:"updated"`
	Accepted []string `json:"accepted"`
}

// IDs returns created and updated ids together.
func (r *Result) IDs() []string {
	return append(slices.Clone(r.Created), r.Updated...)
}

// Engine runs reflection passes.
type Engine struct {
	cfg       Config
	events    EventSource
	store     ProposalStore
	logger    *slog.Logger
	decisions *logging.DecisionLogger
	now       func() time.Time
	newID     func() string
}

// NewEngine creates an Engine. newID assigns ids to new proposals so
// competing hypotheses can reference each other before they are written.
func NewEngine(cfg Config, events EventSource, store ProposalStore, newID func() string, logger *slog.Logger, decisions *logging.DecisionLogger) *Engine {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MinErrors <= 0 {
		cfg.MinErrors = def.MinErrors
	}
	return &Engine{
		cfg:       cfg,
		events:    events,
		store:     store,
		logger:    logging.OrDefault(logger),
		decisions: decisions,
		now:       time.Now,
		newID:     newID,
	}
}

// SetClock replaces the time source used by Run.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Run executes one reflection pass.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	now := e.now()
	events, err := e.events.Query(ctx, episodic.Filter{Since: now.Add(-e.cfg.Lookback)})
	if err != nil {
		return nil, fmt.Errorf("reading recent events: %w", err)
	}

	result := &Result{}
	var pending []*models.Record

	clusters := e.cluster(events)
	targets := make([]string, 0, len(clusters))
	for t := range clusters {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, target := range targets {
		existing, err := e.store.Hypotheses(ctx, e.cfg.Namespace, target)
		if err != nil {
			return nil, err
		}
		pending = append(pending, e.reflectCluster(target, clusters[target], existing, now, result)...)
		pending = append(pending, e.distill(target, clusters[target], existing, now, result)...)
	}

	if len(pending) > 0 {
		if err := e.store.SaveProposals(ctx, pending); err != nil {
			return nil, fmt.Errorf("saving proposals: %w", err)
		}
	}

	// At most one proposal per target is accepted in a pass.
	accepted := make(map[string]bool)
	for _, p := range pending {
		if accepted[p.Target] || !e.autoAccept(p) {
			continue
		}
		if err := e.store.AcceptProposal(ctx, p.ID); err != nil {
			e.logger.Warn("auto-accept failed", "proposal", p.ID, "error", err)
			continue
		}
		accepted[p.Target] = true
		result.Accepted = append(result.Accepted, p.ID)
		e.decisions.Log("proposal_auto_accepted", map[string]any{"proposal": p.ID, "confidence": p.Confidence})
	}

	telemetry.RecordReflection(ctx, len(result.Created)+len(result.Updated))
	e.logger.Info("reflection pass finished",
		"events", len(events), "clusters", len(clusters),
		"created", len(result.Created), "updated", len(result.Updated), "accepted", len(result.Accepted))
	return result, nil
}

// cluster groups events by target, dropping blacklisted and empty ones.
func (e *Engine) cluster(events []*models.Event) map[string][]*models.Event {
	clusters := make(map[string][]*models.Event)
	var current string
	for _, ev := range events {
		target := ev.Target()
		// Actions inside a turn inherit the target of its prompt.
		if ev.Kind == models.EventPrompt {
			current = target
		} else if target == "" {
			target = current
		}
		if target == "" || slices.Contains(e.cfg.Blacklist, target) {
			continue
		}
		clusters[target] = append(clusters[target], ev)
	}
	return clusters
}

type tally struct {
	errors, successes int
	ids               []int64
	latest            time.Time
}

func count(events []*models.Event, after time.Time) tally {
	var t tally
	for _, ev := range events {
		if !ev.Timestamp.After(after) {
			continue
		}
		switch outcome(ev) {
		case models.OutcomeFailure:
			t.errors++
		case models.OutcomeSuccess:
			t.successes++
		default:
			continue
		}
		t.ids = append(t.ids, ev.ID)
		if ev.Timestamp.After(t.latest) {
			t.latest = ev.Timestamp
		}
	}
	return t
}

func outcome(ev *models.Event) models.Outcome {
	if ev.Context != nil {
		if o := ev.Context.Outcome(); o != models.OutcomeNone {
			return o
		}
	}
	switch ev.Kind {
	case models.EventError:
		return models.OutcomeFailure
	case models.EventCommitChange:
		return models.OutcomeSuccess
	}
	return models.OutcomeNone
}

func (e *Engine) reflectCluster(target string, events []*models.Event, existing []*models.Record, now time.Time, result *Result) []*models.Record {
	var structural, noise *models.Record
	var seen time.Time
	for _, r := range existing {
		if r.Hypothesis != models.HypothesisStructural && r.Hypothesis != models.HypothesisNoise {
			continue
		}
		if r.LastSeen.After(seen) {
			seen = r.LastSeen
		}
		if r.Status != models.StatusDraft {
			continue
		}
		if r.Hypothesis == models.HypothesisStructural && structural == nil {
			structural = r.Clone()
		} else if r.Hypothesis == models.HypothesisNoise && noise == nil {
			noise = r.Clone()
		}
	}

	if structural == nil && noise == nil {
		t := count(events, seen)
		if t.errors < e.cfg.MinErrors || t.errors <= t.successes {
			return nil
		}
		structural, noise = e.newHypotheses(target, now)
		for _, h := range []*models.Record{structural, noise} {
			h.FirstSeen = now
			h.LastSeen = now
			e.apply(h, t, now, false)
			result.Created = append(result.Created, h.ID)
		}
		e.decisions.Log("hypotheses_created", map[string]any{
			"target": target, "errors": t.errors, "successes": t.successes,
			"structural": structural.ID, "noise": noise.ID,
		})
		return []*models.Record{structural, noise}
	}

	var out []*models.Record
	for _, h := range []*models.Record{structural, noise} {
		if h == nil {
			continue
		}
		t := count(events, h.LastSeen)
		if len(t.ids) == 0 {
			if e.review(h, now) {
				out = append(out, h)
				result.Updated = append(result.Updated, h.ID)
			}
			continue
		}
		e.apply(h, t, now, true)
		out = append(out, h)
		result.Updated = append(result.Updated, h.ID)
	}
	return out
}

func (e *Engine) newHypotheses(target string, now time.Time) (*models.Record, *models.Record) {
	structural := &models.Record{
		ID:         e.newID(),
		Title:      fmt.Sprintf("Structural flaw in %s", target),
		Target:     target,
		Namespace:  e.cfg.Namespace,
		Kind:       models.KindProposal,
		Status:     models.StatusDraft,
		Hypothesis: models.HypothesisStructural,
		Rationale:  fmt.Sprintf("Repeated errors on %s point at a defect in how it is built or used.", target),
		Confidence: StructuralPrior,
	}
	noise := &models.Record{
		ID:         e.newID(),
		Title:      fmt.Sprintf("Environmental noise around %s", target),
		Target:     target,
		Namespace:  e.cfg.Namespace,
		Kind:       models.KindProposal,
		Status:     models.StatusDraft,
		Hypothesis: models.HypothesisNoise,
		Rationale:  fmt.Sprintf("Errors on %s are transient and caused by the environment.", target),
		Confidence: NoisePrior,
	}
	structural.Alternatives = []string{noise.ID}
	noise.Alternatives = []string{structural.ID}
	return structural, noise
}

// apply folds a tally of outcomes into hypothesis h. The evidence that
// created a hypothesis sets its statistics but not its confidence.
func (e *Engine) apply(h *models.Record, t tally, now time.Time, adjust bool) {
	var supporting, contradicting int
	var delta float64
	switch h.Hypothesis {
	case models.HypothesisStructural:
		delta = errorSupport*float64(t.errors) - successFalsifies*float64(t.successes)
		supporting, contradicting = t.errors, t.successes
	case models.HypothesisNoise:
		delta = successSupport * float64(t.successes)
		supporting, contradicting = t.successes, t.errors
	}
	if adjust {
		h.Confidence = models.ClampConfidence(h.Confidence + delta)
	}
	h.Frequency += len(t.ids)
	for _, id := range t.ids {
		if !h.HasEvidence(id) {
			h.EvidenceEventIDs = append(h.EvidenceEventIDs, id)
		}
	}
	if t.latest.After(h.LastSeen) {
		h.LastSeen = t.latest
	}
	h.Vitality = models.VitalityActive

	total := supporting + contradicting
	if total > 0 {
		// Blend with the previous estimate so a single pass does not
		// erase history.
		coverage := float64(supporting) / float64(total)
		stability := 1 - float64(contradicting)/float64(total)
		if h.Frequency > len(t.ids) {
			weight := float64(len(t.ids)) / float64(h.Frequency)
			coverage = h.Coverage*(1-weight) + coverage*weight
			stability = h.Stability*(1-weight) + stability*weight
		}
		h.Coverage = round(coverage)
		h.Stability = round(stability)
	}
	h.RemovalCost = math.Min(1, float64(len(h.EvidenceEventIDs))/10)
	e.review(h, now)
}

// review updates ReadyForReview and reports whether it changed.
func (e *Engine) review(h *models.Record, now time.Time) bool {
	ready := h.Confidence >= e.cfg.ReviewThreshold && now.Sub(h.FirstSeen) >= e.cfg.ObservationWindow
	changed := ready != h.ReadyForReview
	h.ReadyForReview = ready
	return changed
}

func (e *Engine) autoAccept(h *models.Record) bool {
	return h.Status == models.StatusDraft &&
		h.ReadyForReview &&
		h.Confidence >= e.cfg.AutoAcceptThreshold &&
		len(h.Objections) == 0
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
