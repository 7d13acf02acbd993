package models

import (
	"time"
)

// RecordKind classifies a semantic record.
type RecordKind string

const (
	KindDecision   RecordKind = "decision"
	KindProposal   RecordKind = "proposal"
	KindConstraint RecordKind = "constraint"
	KindAssumption RecordKind = "assumption"
)

// Valid reports whether k is one of the known record kinds.
func (k RecordKind) Valid() bool {
	switch k {
	case KindDecision, KindProposal, KindConstraint, KindAssumption:
		return true
	}
	return false
}

// Conflicting reports whether records of this kind compete for the single
// active slot of their (target, namespace). Proposals only compete once
// accepted, at which point they are rewritten as decisions.
func (k RecordKind) Conflicting() bool {
	return k == KindDecision || k == KindConstraint || k == KindAssumption
}

// RecordStatus is the position of a record in the supersede graph.
type RecordStatus string

const (
	StatusActive     RecordStatus = "active"
	StatusDeprecated RecordStatus = "deprecated"
	StatusSuperseded RecordStatus = "superseded"
	StatusRejected   RecordStatus = "rejected"
	StatusDraft      RecordStatus = "draft"
)

// Phase is the maturity of a knowledge stream.
type Phase string

const (
	PhasePattern   Phase = "pattern"
	PhaseEmergent  Phase = "emergent"
	PhaseCanonical Phase = "canonical"
)

// Vitality describes how recently a record was reinforced.
type Vitality string

const (
	VitalityActive   Vitality = "active"
	VitalityDecaying Vitality = "decaying"
	VitalityDormant  Vitality = "dormant"
)

// Hypothesis labels the two competing explanations reflection produces for
// an error cluster.
type Hypothesis string

const (
	HypothesisStructural Hypothesis = "structural"
	HypothesisNoise      Hypothesis = "noise"
	HypothesisProcedure  Hypothesis = "procedure"
)

// ProcedureStep is one distilled step of a successful trajectory.
type ProcedureStep struct {
	Action          string `json:"action" yaml:"action"`
	Rationale       string `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	ExpectedOutcome string `json:"expected_outcome,omitempty" yaml:"expected_outcome,omitempty"`
}

// Record is a unit of semantic knowledge. The frontmatter fields are
// persisted as YAML; Body is the opaque markdown after the header.
type Record struct {
	ID           string       `json:"id" yaml:"id"`
	Title        string       `json:"title" yaml:"title"`
	Target       string       `json:"target" yaml:"target"`
	Namespace    string       `json:"namespace" yaml:"namespace"`
	Kind         RecordKind   `json:"kind" yaml:"kind"`
	Status       RecordStatus `json:"status" yaml:"status"`
	Rationale    string       `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Confidence   float64      `json:"confidence" yaml:"confidence"`
	Consequences []string     `json:"consequences,omitempty" yaml:"consequences,omitempty"`

	// Supersede graph
	Supersedes   []string `json:"supersedes" yaml:"supersedes"`
	SupersededBy string   `json:"superseded_by" yaml:"superseded_by"`

	EvidenceEventIDs []int64 `json:"evidence_event_ids" yaml:"evidence_event_ids,flow"`

	// Lifecycle
	Phase       Phase     `json:"phase" yaml:"phase"`
	Vitality    Vitality  `json:"vitality" yaml:"vitality"`
	FirstSeen   time.Time `json:"first_seen" yaml:"first_seen"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
	DecayedAt   time.Time `json:"decayed_at,omitzero" yaml:"decayed_at,omitempty"`
	Frequency   int       `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Coverage    float64   `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Stability   float64   `json:"stability,omitempty" yaml:"stability,omitempty"`
	RemovalCost float64   `json:"removal_cost,omitempty" yaml:"removal_cost,omitempty"`

	// Proposal review
	Hypothesis     Hypothesis      `json:"hypothesis,omitempty" yaml:"hypothesis,omitempty"`
	Alternatives   []string        `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
	Objections     []string        `json:"objections,omitempty" yaml:"objections,omitempty"`
	ReadyForReview bool            `json:"ready_for_review,omitempty" yaml:"ready_for_review,omitempty"`
	StatusReason   string          `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
	Procedure      []ProcedureStep `json:"procedure,omitempty" yaml:"procedure,omitempty"`

	Body string `json:"body,omitempty" yaml:"-"`
}

// IsActive reports whether the record currently holds the active slot.
func (r *Record) IsActive() bool {
	return r.Status == StatusActive
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Consequences = cloneStrings(r.Consequences)
	c.Supersedes = cloneStrings(r.Supersedes)
	c.Alternatives = cloneStrings(r.Alternatives)
	c.Objections = cloneStrings(r.Objections)
	if r.EvidenceEventIDs != nil {
		c.EvidenceEventIDs = append([]int64(nil), r.EvidenceEventIDs...)
	}
	if r.Procedure != nil {
		c.Procedure = append([]ProcedureStep(nil), r.Procedure...)
	}
	return &c
}

// HasEvidence reports whether eventID is already linked to the record.
func (r *Record) HasEvidence(eventID int64) bool {
	for _, id := range r.EvidenceEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// SearchText is the text indexed for keyword and vector retrieval.
func (r *Record) SearchText() string {
	text := r.Title + "\n" + r.Target + "\n" + r.Rationale
	for _, c := range r.Consequences {
		text += "\n" + c
	}
	return text
}

// ClampConfidence bounds a confidence value to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
