package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func record(firstSeenAgo, lastSeenAgo time.Duration) *models.Record {
	return &models.Record{
		Status:    models.StatusActive,
		Phase:     models.PhasePattern,
		FirstSeen: now.Add(-firstSeenAgo),
		LastSeen:  now.Add(-lastSeenAgo),
	}
}

func TestVitality(t *testing.T) {
	e := NewEngine(DefaultConfig())
	day := 24 * time.Hour
	tests := []struct {
		idle time.Duration
		want models.Vitality
	}{
		{0, models.VitalityActive},
		{6 * day, models.VitalityActive},
		{8 * day, models.VitalityDecaying},
		{30 * day, models.VitalityDecaying},
		{31 * day, models.VitalityDormant},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Vitality(record(90*day, tt.idle), now), tt.idle.String())
	}
}

func TestNextPhase_PatternToEmergent(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tests := []struct {
		name       string
		frequency  int
		confidence float64
		lifetime   time.Duration
		want       models.Phase
	}{
		{"frequent and long-lived", 3, 0.2, 24 * time.Hour, models.PhaseEmergent},
		{"confident and long-lived", 1, 0.5, 24 * time.Hour, models.PhaseEmergent},
		{"burst without lifetime", 5, 0.1, time.Hour, models.PhaseEmergent},
		{"frequent but young", 3, 0.2, time.Hour, models.PhasePattern},
		{"long-lived but weak", 1, 0.2, 48 * time.Hour, models.PhasePattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(tt.lifetime, 0)
			rec.Frequency = tt.frequency
			rec.Confidence = tt.confidence
			assert.Equal(t, tt.want, e.NextPhase(rec, models.VitalityActive))
		})
	}
}

func TestNextPhase_EmergentToCanonical(t *testing.T) {
	e := NewEngine(DefaultConfig())
	rec := record(48*time.Hour, 0)
	rec.Phase = models.PhaseEmergent
	rec.Coverage, rec.Stability, rec.RemovalCost = 0.4, 0.7, 0.6

	assert.Equal(t, models.PhaseCanonical, e.NextPhase(rec, models.VitalityActive))
	assert.Equal(t, models.PhaseEmergent, e.NextPhase(rec, models.VitalityDecaying), "only active records become canonical")

	rec.Stability = 0.6
	assert.Equal(t, models.PhaseEmergent, e.NextPhase(rec, models.VitalityActive), "thresholds are strict")
}

func TestPhaseNeverRegresses(t *testing.T) {
	e := NewEngine(DefaultConfig())
	rec := record(time.Hour, 60*24*time.Hour)
	rec.Phase = models.PhaseCanonical

	changed := e.Update(rec, now)
	assert.True(t, changed)
	assert.Equal(t, models.PhaseCanonical, rec.Phase)
	assert.Equal(t, models.VitalityDormant, rec.Vitality)
}

func TestReinforce(t *testing.T) {
	e := NewEngine(DefaultConfig())
	rec := record(40*24*time.Hour, 40*24*time.Hour)
	rec.Status = models.StatusDeprecated
	rec.Vitality = models.VitalityDormant

	e.Reinforce(rec, now)
	assert.Equal(t, now, rec.LastSeen)
	assert.Equal(t, 1, rec.Frequency)
	assert.Equal(t, models.VitalityActive, rec.Vitality)
	assert.Equal(t, models.StatusDeprecated, rec.Status, "reinforcement never revives a retired record")
}
