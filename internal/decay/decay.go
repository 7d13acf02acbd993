// Package decay ages out stale knowledge: unlinked episodic events are
// archived then pruned, and semantic confidence falls while a record
// goes unreinforced until it is deprecated or forgotten.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/episodic"
	"github.com/sl4m3/ledgermind-sub000/internal/lifecycle"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
)

const week = 7 * 24 * time.Hour

// Config holds the decay rates and thresholds.
type Config struct {
	// EpisodicTTL is the age after which an unlinked, unprotected event
	// is archived, and an archived one pruned. Default: 30 days.
	EpisodicTTL time.Duration

	// RatePerWeek is the confidence a decaying proposal loses per week.
	// Other kinds lose a third of it. Default: 0.05.
	RatePerWeek float64

	// DormantRatePerWeek replaces RatePerWeek once a record is dormant.
	// Default: 0.2.
	DormantRatePerWeek float64

	// ForgetThreshold and DeprecateThreshold bound the confidence below
	// which a record is forgotten or deprecated. Defaults: 0.1 and 0.5.
	ForgetThreshold    float64
	DeprecateThreshold float64
}

// DefaultConfig returns the default rates.
func DefaultConfig() Config {
	return Config{
		EpisodicTTL:        30 * 24 * time.Hour,
		RatePerWeek:        0.05,
		DormantRatePerWeek: 0.2,
		ForgetThreshold:    0.1,
		DeprecateThreshold: 0.5,
	}
}

// Report summarizes one decay cycle.
type Report struct {
	DryRun             bool     `json:"dry_run"`
	Archived           int      `json:"archived"`
	Pruned             int      `json:"pruned"`
	RetainedByLink     int      `json:"retained_by_link"`
	SemanticDecayed    int      `json:"semantic_decayed"`
	SemanticDeprecated int      `json:"semantic_deprecated"`
	SemanticForgotten  int      `json:"semantic_forgotten"`
	Deprecated         []string `json:"deprecated,omitempty"`
	Forgotten          []string `json:"forgotten,omitempty"`
}

// Changes are the semantic mutations of one cycle, applied in a single
// transaction.
type Changes struct {
	// Updated holds records whose confidence, status or lifecycle fields
	// changed. Deprecated records are included with their new status.
	Updated []*models.Record
	// Forget holds ids of records to delete.
	Forget []string
}

// Empty reports whether there is nothing to apply.
func (c Changes) Empty() bool {
	return len(c.Updated) == 0 && len(c.Forget) == 0
}

// Events is the episodic log as seen by the decay engine.
type Events interface {
	Query(ctx context.Context, f episodic.Filter) ([]*models.Event, error)
	Archive(ctx context.Context, ids []int64) (int, error)
	Prune(ctx context.Context, ids []int64) (int, error)
}

// Semantic lists the records that may decay and applies the resulting
// changes atomically.
type Semantic interface {
	Decayable(ctx context.Context) ([]*models.Record, error)
	ApplyDecay(ctx context.Context, changes Changes) error
}

// Engine runs decay cycles.
type Engine struct {
	cfg       Config
	lifecycle *lifecycle.Engine
	events    Events
	semantic  Semantic
	logger    *slog.Logger
	decisions *logging.DecisionLogger
	now       func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, lc *lifecycle.Engine, events Events, semantic Semantic, logger *slog.Logger, decisions *logging.DecisionLogger) *Engine {
	def := DefaultConfig()
	if cfg.EpisodicTTL <= 0 {
		cfg.EpisodicTTL = def.EpisodicTTL
	}
	if lc == nil {
		lc = lifecycle.NewEngine(lifecycle.DefaultConfig())
	}
	return &Engine{
		cfg:       cfg,
		lifecycle: lc,
		events:    events,
		semantic:  semantic,
		logger:    logging.OrDefault(logger),
		decisions: decisions,
		now:       time.Now,
	}
}

// SetClock replaces the time source used by Run.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Run executes one cycle. With dryRun nothing is mutated and the report
// describes what would happen.
func (e *Engine) Run(ctx context.Context, dryRun bool) (*Report, error) {
	now := e.now()
	report := &Report{DryRun: dryRun}

	if err := e.runEpisodic(ctx, now, dryRun, report); err != nil {
		return nil, err
	}

	records, err := e.semantic.Decayable(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing decayable records: %w", err)
	}
	changes := e.Plan(records, now, report)
	if !dryRun && !changes.Empty() {
		if err := e.semantic.ApplyDecay(ctx, changes); err != nil {
			return nil, fmt.Errorf("applying semantic decay: %w", err)
		}
	}

	if !dryRun {
		telemetry.RecordDecay(ctx, "archived", report.Archived)
		telemetry.RecordDecay(ctx, "pruned", report.Pruned)
		telemetry.RecordDecay(ctx, "decayed", report.SemanticDecayed)
		telemetry.RecordDecay(ctx, "deprecated", report.SemanticDeprecated)
		telemetry.RecordDecay(ctx, "forgotten", report.SemanticForgotten)
	}
	e.logger.Info("decay cycle finished",
		"dry_run", dryRun,
		"archived", report.Archived,
		"pruned", report.Pruned,
		"retained_by_link", report.RetainedByLink,
		"decayed", report.SemanticDecayed,
		"deprecated", report.SemanticDeprecated,
		"forgotten", report.SemanticForgotten)
	return report, nil
}

func (e *Engine) runEpisodic(ctx context.Context, now time.Time, dryRun bool, report *Report) error {
	cutoff := now.Add(-e.cfg.EpisodicTTL)

	// Pruning reads the archive before this cycle archives anything, so an
	// event is archived and pruned in different cycles.
	archived, err := e.events.Query(ctx, olderThan(models.EventArchived, cutoff))
	if err != nil {
		return fmt.Errorf("reading archived events: %w", err)
	}
	active, err := e.events.Query(ctx, olderThan(models.EventActive, cutoff))
	if err != nil {
		return fmt.Errorf("reading active events: %w", err)
	}

	var prune, archive []int64
	for _, ev := range archived {
		if ev.Linked() {
			report.RetainedByLink++
			continue
		}
		prune = append(prune, ev.ID)
	}
	for _, ev := range active {
		switch {
		case ev.Linked():
			report.RetainedByLink++
		case ev.Kind.Protected():
		default:
			archive = append(archive, ev.ID)
		}
	}

	if dryRun {
		report.Pruned = len(prune)
		report.Archived = len(archive)
		return nil
	}
	if report.Pruned, err = e.events.Prune(ctx, prune); err != nil {
		return err
	}
	if report.Archived, err = e.events.Archive(ctx, archive); err != nil {
		return err
	}
	return nil
}

// olderThan selects events of status older than cutoff.
func olderThan(status models.EventStatus, cutoff time.Time) episodic.Filter {
	return episodic.Filter{Status: status, Before: cutoff}
}

// Plan computes the semantic changes for records at now and counts them
// in report. Records are cloned; the inputs are not modified.
func (e *Engine) Plan(records []*models.Record, now time.Time, report *Report) Changes {
	var changes Changes
	for _, orig := range records {
		if orig.Status != models.StatusActive && orig.Status != models.StatusDraft {
			continue
		}
		rec := orig.Clone()
		lifecycleChanged := e.lifecycle.Update(rec, now)

		loss := e.Loss(rec, now)
		if loss <= 0 {
			if lifecycleChanged {
				changes.Updated = append(changes.Updated, rec)
			}
			continue
		}

		before := rec.Confidence
		rec.Confidence = models.ClampConfidence(before - loss)
		rec.DecayedAt = now
		report.SemanticDecayed++

		fields := map[string]any{
			"record_id": rec.ID,
			"before":    before,
			"after":     rec.Confidence,
			"vitality":  string(rec.Vitality),
		}
		switch {
		case rec.Confidence < e.cfg.ForgetThreshold:
			changes.Forget = append(changes.Forget, rec.ID)
			report.SemanticForgotten++
			report.Forgotten = append(report.Forgotten, rec.ID)
			fields["action"] = "forget"
		case rec.Confidence < e.cfg.DeprecateThreshold:
			rec.Status = models.StatusDeprecated
			rec.StatusReason = fmt.Sprintf("confidence decayed to %.2f", rec.Confidence)
			changes.Updated = append(changes.Updated, rec)
			report.SemanticDeprecated++
			report.Deprecated = append(report.Deprecated, rec.ID)
			fields["action"] = "deprecate"
		default:
			changes.Updated = append(changes.Updated, rec)
			fields["action"] = "decay"
		}
		e.decisions.Log("semantic_decay", fields)
	}
	return changes
}

// Loss returns the confidence rec loses between its last decay and now.
// Active records lose nothing; decaying ones lose RatePerWeek and dormant
// ones DormantRatePerWeek per week, scaled down to a third for every kind
// but proposals.
func (e *Engine) Loss(rec *models.Record, now time.Time) float64 {
	var rate float64
	switch e.lifecycle.Vitality(rec, now) {
	case models.VitalityDecaying:
		rate = e.cfg.RatePerWeek
	case models.VitalityDormant:
		rate = e.cfg.DormantRatePerWeek
	default:
		return 0
	}
	if rec.Kind != models.KindProposal {
		rate /= 3
	}

	since := e.lifecycle.DecayStart(rec)
	if rec.DecayedAt.After(since) {
		since = rec.DecayedAt
	}
	elapsed := now.Sub(since)
	if elapsed <= 0 {
		return 0
	}
	return rate * float64(elapsed) / float64(week)
}
