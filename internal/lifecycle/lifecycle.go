// Package lifecycle computes the maturity phase and vitality of semantic
// records.
//
// Phases only move forward: pattern -> emergent -> canonical. Vitality is
// derived from the time since a record was last reinforced.
package lifecycle

import (
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// Config holds the transition thresholds.
type Config struct {
	// DecayingAfter is the time without reinforcement before vitality
	// drops to decaying. Default: 7 days.
	DecayingAfter time.Duration

	// DormantAfter is the time without reinforcement before vitality
	// drops to dormant. Default: 30 days.
	DormantAfter time.Duration

	// EmergentFrequency or EmergentConfidence qualify a pattern for
	// promotion. Defaults: 3 and 0.5.
	EmergentFrequency  int
	EmergentConfidence float64

	// A pattern must also have been observed for longer than
	// EmergentLifetime, or EmergentBurst times. Defaults: 12h and 5.
	EmergentLifetime time.Duration
	EmergentBurst    int

	// Canonical promotion needs all three above these values while the
	// record is still active. Defaults: 0.3, 0.6, 0.5.
	CanonicalCoverage    float64
	CanonicalStability   float64
	CanonicalRemovalCost float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DecayingAfter:        7 * 24 * time.Hour,
		DormantAfter:         30 * 24 * time.Hour,
		EmergentFrequency:    3,
		EmergentConfidence:   0.5,
		EmergentLifetime:     12 * time.Hour,
		EmergentBurst:        5,
		CanonicalCoverage:    0.3,
		CanonicalStability:   0.6,
		CanonicalRemovalCost: 0.5,
	}
}

// Engine applies the lifecycle rules.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine. Zero durations fall back to the defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DecayingAfter <= 0 {
		cfg.DecayingAfter = def.DecayingAfter
	}
	if cfg.DormantAfter <= cfg.DecayingAfter {
		cfg.DormantAfter = max(def.DormantAfter, cfg.DecayingAfter)
	}
	if cfg.EmergentFrequency <= 0 {
		cfg.EmergentFrequency = def.EmergentFrequency
	}
	if cfg.EmergentBurst <= 0 {
		cfg.EmergentBurst = def.EmergentBurst
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Vitality returns the vitality of rec at now.
func (e *Engine) Vitality(rec *models.Record, now time.Time) models.Vitality {
	idle := now.Sub(rec.LastSeen)
	switch {
	case idle > e.cfg.DormantAfter:
		return models.VitalityDormant
	case idle > e.cfg.DecayingAfter:
		return models.VitalityDecaying
	default:
		return models.VitalityActive
	}
}

// DecayStart is when rec stopped being reinforced enough to decay.
func (e *Engine) DecayStart(rec *models.Record) time.Time {
	return rec.LastSeen.Add(e.cfg.DecayingAfter)
}

// NextPhase returns the phase rec qualifies for at now given its current
// vitality. It never returns an earlier phase than rec.Phase.
func (e *Engine) NextPhase(rec *models.Record, vitality models.Vitality) models.Phase {
	switch rec.Phase {
	case models.PhaseCanonical:
		return models.PhaseCanonical
	case models.PhaseEmergent:
		if e.canonical(rec, vitality) {
			return models.PhaseCanonical
		}
		return models.PhaseEmergent
	default:
		if !e.emergent(rec) {
			return models.PhasePattern
		}
		if e.canonical(rec, vitality) {
			return models.PhaseCanonical
		}
		return models.PhaseEmergent
	}
}

func (e *Engine) emergent(rec *models.Record) bool {
	lifetime := rec.LastSeen.Sub(rec.FirstSeen)
	qualified := rec.Frequency >= e.cfg.EmergentFrequency || rec.Confidence >= e.cfg.EmergentConfidence
	established := lifetime > e.cfg.EmergentLifetime || rec.Frequency >= e.cfg.EmergentBurst
	return qualified && established
}

func (e *Engine) canonical(rec *models.Record, vitality models.Vitality) bool {
	return rec.Coverage > e.cfg.CanonicalCoverage &&
		rec.Stability > e.cfg.CanonicalStability &&
		rec.RemovalCost > e.cfg.CanonicalRemovalCost &&
		vitality == models.VitalityActive
}

// Update sets the vitality and phase of rec for now and reports whether
// either changed.
func (e *Engine) Update(rec *models.Record, now time.Time) bool {
	vitality := e.Vitality(rec, now)
	phase := e.NextPhase(rec, vitality)
	changed := vitality != rec.Vitality || phase != rec.Phase
	rec.Vitality = vitality
	rec.Phase = phase
	return changed
}

// Reinforce records a new observation of rec at now. It restores active
// vitality but never changes the record's status.
func (e *Engine) Reinforce(rec *models.Record, now time.Time) {
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Frequency++
	rec.Vitality = models.VitalityActive
	rec.Phase = e.NextPhase(rec, models.VitalityActive)
}
