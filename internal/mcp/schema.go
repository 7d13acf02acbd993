package mcp

import (
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/decay"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/search"
)

// ToolError is the structured failure of a tool call. Code is one of
// conflict, validation, permission, lock_timeout, not_found or invariant.
type ToolError struct {
	Code        string   `json:"code" jsonschema:"Machine-readable error class"`
	Message     string   `json:"message" jsonschema:"Human-readable description"`
	Field       string   `json:"field,omitempty" jsonschema:"Offending input field for validation errors"`
	ConflictIDs []string `json:"conflict_ids,omitempty" jsonschema:"Active records blocking the write; name them in intent.target_record_ids to resolve"`
	Suggestions []string `json:"suggestions,omitempty" jsonschema:"Known targets with similar names"`
}

// IntentArgs tells record_decision how to resolve a conflict with the
// active record of the target.
type IntentArgs struct {
	Resolution      string   `json:"resolution_type" jsonschema:"supersede, deprecate or abort"`
	Rationale       string   `json:"rationale,omitempty" jsonschema:"Why the existing records are being replaced"`
	TargetRecordIDs []string `json:"target_record_ids,omitempty" jsonschema:"Ids of the active records being resolved"`
}

func (a *IntentArgs) intent() *models.ResolutionIntent {
	if a == nil {
		return nil
	}
	return &models.ResolutionIntent{
		Type:            models.ResolutionType(a.Resolution),
		Rationale:       a.Rationale,
		TargetRecordIDs: a.TargetRecordIDs,
	}
}

// RecordDecisionInput defines the input for the record_decision tool.
type RecordDecisionInput struct {
	Title        string      `json:"title" jsonschema:"Short statement of the decision"`
	Target       string      `json:"target" jsonschema:"Subject the decision is about, e.g. a service or module name"`
	Rationale    string      `json:"rationale" jsonschema:"Why the decision was made (at least 10 characters)"`
	Namespace    string      `json:"namespace,omitempty" jsonschema:"Isolation namespace (default: configured namespace)"`
	Kind         string      `json:"kind,omitempty" jsonschema:"decision, constraint, assumption or proposal (default: decision)"`
	Confidence   *float64    `json:"confidence,omitempty" jsonschema:"Confidence between 0 and 1"`
	Consequences []string    `json:"consequences,omitempty" jsonschema:"Expected effects of the decision"`
	Evidence     []int64     `json:"evidence_event_ids,omitempty" jsonschema:"Episodic event ids supporting the decision"`
	Intent       *IntentArgs `json:"intent,omitempty" jsonschema:"Resolution of a conflict with the active record of the target"`
}

// SupersedeDecisionInput defines the input for the supersede_decision tool.
type SupersedeDecisionInput struct {
	Title        string   `json:"title" jsonschema:"Short statement of the new decision"`
	Target       string   `json:"target" jsonschema:"Subject the decision is about"`
	Rationale    string   `json:"rationale" jsonschema:"Why the old decisions are replaced (at least 10 characters)"`
	OldIDs       []string `json:"old_ids" jsonschema:"Active records being superseded"`
	Namespace    string   `json:"namespace,omitempty" jsonschema:"Isolation namespace (default: configured namespace)"`
	Confidence   *float64 `json:"confidence,omitempty" jsonschema:"Confidence between 0 and 1"`
	Consequences []string `json:"consequences,omitempty" jsonschema:"Expected effects of the decision"`
	Evidence     []int64  `json:"evidence_event_ids,omitempty" jsonschema:"Episodic event ids supporting the decision"`
}

// RecordOutput is returned by tools that write a single record.
type RecordOutput struct {
	Record *RecordSummary `json:"record,omitempty" jsonschema:"The written record"`
	Error  *ToolError     `json:"error,omitempty" jsonschema:"Set when the call failed"`
}

// RecordSummary is the agent-facing view of a record.
type RecordSummary struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Target           string   `json:"target"`
	Namespace        string   `json:"namespace"`
	Kind             string   `json:"kind"`
	Status           string   `json:"status"`
	Confidence       float64  `json:"confidence"`
	Rationale        string   `json:"rationale,omitempty"`
	Consequences     []string `json:"consequences,omitempty"`
	Supersedes       []string `json:"supersedes,omitempty"`
	SupersededBy     string   `json:"superseded_by,omitempty"`
	EvidenceEventIDs []int64  `json:"evidence_event_ids,omitempty"`
	Phase            string   `json:"phase,omitempty"`
	Vitality         string   `json:"vitality,omitempty"`
	Hypothesis       string   `json:"hypothesis,omitempty"`
	Alternatives     []string `json:"alternatives,omitempty"`
	StatusReason     string   `json:"status_reason,omitempty"`
	LastSeen         string   `json:"last_seen,omitempty"`
}

func summarize(r *models.Record) *RecordSummary {
	if r == nil {
		return nil
	}
	s := &RecordSummary{
		ID:               r.ID,
		Title:            r.Title,
		Target:           r.Target,
		Namespace:        r.Namespace,
		Kind:             string(r.Kind),
		Status:           string(r.Status),
		Confidence:       r.Confidence,
		Rationale:        r.Rationale,
		Consequences:     r.Consequences,
		Supersedes:       r.Supersedes,
		SupersededBy:     r.SupersededBy,
		EvidenceEventIDs: r.EvidenceEventIDs,
		Phase:            string(r.Phase),
		Vitality:         string(r.Vitality),
		Hypothesis:       string(r.Hypothesis),
		Alternatives:     r.Alternatives,
		StatusReason:     r.StatusReason,
	}
	if !r.LastSeen.IsZero() {
		s.LastSeen = r.LastSeen.UTC().Format(time.RFC3339)
	}
	return s
}

// SearchDecisionsInput defines the input for the search_decisions tool.
type SearchDecisionsInput struct {
	Query     string `json:"query" jsonschema:"Free-text query"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 10, max: 100)"`
	Mode      string `json:"mode,omitempty" jsonschema:"strict hides superseded knowledge, balanced resolves it to the current truth, audit returns matches as stored"`
	Namespace string `json:"namespace,omitempty" jsonschema:"Isolation namespace (default: configured namespace)"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Record    *RecordSummary `json:"record"`
	Score     float64        `json:"score"`
	Links     int            `json:"links"`
	MatchedID string         `json:"matched_id,omitempty" jsonschema:"Record that matched when it differs from the returned truth"`
	Evidence  string         `json:"evidence,omitempty" jsonschema:"Preview of the latest linked event"`
}

// SearchDecisionsOutput defines the output for the search_decisions tool.
type SearchDecisionsOutput struct {
	Results []SearchHit `json:"results,omitempty"`
	Count   int         `json:"count"`
	Error   *ToolError  `json:"error,omitempty"`
}

func hits(results []search.Result) []SearchHit {
	out := make([]SearchHit, 0, len(results))
	for _, r := range results {
		h := SearchHit{Record: summarize(r.Record), Score: r.Score, Links: r.Links, Evidence: r.Evidence}
		if r.Record != nil && r.MatchedID != r.Record.ID {
			h.MatchedID = r.MatchedID
		}
		out = append(out, h)
	}
	return out
}

// AcceptProposalInput defines the input for the accept_proposal tool.
type AcceptProposalInput struct {
	ID string `json:"id" jsonschema:"Id of the draft proposal"`
}

// RejectProposalInput defines the input for the reject_proposal tool.
type RejectProposalInput struct {
	ID     string `json:"id" jsonschema:"Id of the draft proposal"`
	Reason string `json:"reason" jsonschema:"Why the proposal is rejected"`
}

// LinkEvidenceInput defines the input for the link_evidence tool.
type LinkEvidenceInput struct {
	EventID  int64  `json:"event_id" jsonschema:"Episodic event id"`
	RecordID string `json:"record_id" jsonschema:"Record the event supports"`
}

// ForgetInput defines the input for the forget tool.
type ForgetInput struct {
	ID        string `json:"id" jsonschema:"Record to delete"`
	Namespace string `json:"namespace,omitempty" jsonschema:"Namespace the record belongs to (default: configured namespace)"`
}

// ForgetOutput defines the output for the forget tool.
type ForgetOutput struct {
	Forgotten string     `json:"forgotten,omitempty"`
	Error     *ToolError `json:"error,omitempty"`
}

// RunDecayInput defines the input for the run_decay tool.
type RunDecayInput struct {
	DryRun bool `json:"dry_run,omitempty" jsonschema:"Report what would change without writing"`
}

// RunDecayOutput defines the output for the run_decay tool.
type RunDecayOutput struct {
	Report *decay.Report `json:"report,omitempty"`
	Error  *ToolError    `json:"error,omitempty"`
}

// RunReflectionInput defines the input for the run_reflection tool.
type RunReflectionInput struct{}

// RunReflectionOutput defines the output for the run_reflection tool.
type RunReflectionOutput struct {
	Created  []string   `json:"created,omitempty" jsonschema:"New draft proposals"`
	Updated  []string   `json:"updated,omitempty" jsonschema:"Proposals whose confidence or evidence changed"`
	Accepted []string   `json:"accepted,omitempty" jsonschema:"Proposals promoted to active decisions"`
	Error    *ToolError `json:"error,omitempty"`
}

// ProcessEventInput defines the input for the process_event tool.
type ProcessEventInput struct {
	Source  string         `json:"source" jsonschema:"Who produced the event, e.g. agent or ci"`
	Kind    string         `json:"kind" jsonschema:"prompt, action, result, error, commit_change, decision, proposal, constraint, assumption or note"`
	Content string         `json:"content,omitempty" jsonschema:"Free text of the event"`
	Context map[string]any `json:"context,omitempty" jsonschema:"Structured payload; for decisions: title, target, rationale"`
	Intent  *IntentArgs    `json:"intent,omitempty" jsonschema:"Conflict resolution for semantic events"`
}

// ProcessEventOutput defines the output for the process_event tool.
type ProcessEventOutput struct {
	ShouldPersist bool           `json:"should_persist"`
	StoreType     string         `json:"store_type,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         *ToolError     `json:"error,omitempty"`
}
