package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEventJSON_PreservesContextVariant(t *testing.T) {
	tests := []struct {
		name string
		ctx  EventContext
	}{
		{"error", ErrorContext{Target: "redis", Message: "connection refused"}},
		{"result", ResultContext{Target: "redis", Success: true}},
		{"action", ActionContext{Target: "redis", Tool: "shell", Rationale: "restart"}},
		{"decision", DecisionContext{Title: "Use Postgres", Target: "db", Rationale: "mature tooling"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Event{
				ID:        7,
				Source:    "agent",
				Kind:      EventError,
				Content:   "x",
				Context:   tt.ctx,
				Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				Status:    EventActive,
			}
			data, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !strings.Contains(string(data), `"kind":"`+tt.ctx.contextKind()+`"`) {
				t.Errorf("encoded context missing discriminator: %s", data)
			}

			var got Event
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.Context == nil {
				t.Fatal("context lost")
			}
			if got.Context.contextKind() != tt.ctx.contextKind() {
				t.Errorf("kind = %s, want %s", got.Context.contextKind(), tt.ctx.contextKind())
			}
			if got.Target() != tt.ctx.Subject() {
				t.Errorf("Target() = %q, want %q", got.Target(), tt.ctx.Subject())
			}
		})
	}
}

func TestUnmarshalContext_UnknownKind(t *testing.T) {
	if _, err := UnmarshalContext([]byte(`{"kind":"telepathy","data":{}}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestContextFor(t *testing.T) {
	c, err := ContextFor(EventConstraint, []byte(`{"title":"No ORMs","target":"db","rationale":"raw SQL only"}`))
	if err != nil {
		t.Fatalf("ContextFor: %v", err)
	}
	dc, ok := c.(DecisionContext)
	if !ok {
		t.Fatalf("got %T, want DecisionContext", c)
	}
	if dc.Kind != KindConstraint {
		t.Errorf("kind = %q, want constraint", dc.Kind)
	}

	c, err = ContextFor(EventNote, []byte(`{"target":"ci","ticket":"OPS-12"}`))
	if err != nil {
		t.Fatalf("ContextFor: %v", err)
	}
	gc := c.(GenericContext)
	if gc.Target != "ci" || gc.Fields["ticket"] != "OPS-12" {
		t.Errorf("generic context = %+v", gc)
	}
	if _, ok := gc.Fields["target"]; ok {
		t.Error("target should be lifted out of fields")
	}

	if c, err := ContextFor(EventError, nil); err != nil || c != nil {
		t.Errorf("empty context = %v, %v; want nil, nil", c, err)
	}
	if _, err := ContextFor(EventError, []byte(`[1,2]`)); err == nil {
		t.Error("expected error for non-object context")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		ctx  EventContext
		want Outcome
	}{
		{"error fails", ErrorContext{}, OutcomeFailure},
		{"successful result", ResultContext{Success: true}, OutcomeSuccess},
		{"failed result", ResultContext{}, OutcomeFailure},
		{"committed action", ActionContext{Committed: true}, OutcomeSuccess},
		{"plain action", ActionContext{}, OutcomeNone},
		{"prompt", PromptContext{}, OutcomeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.Outcome(); got != tt.want {
				t.Errorf("Outcome() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreview_Truncates(t *testing.T) {
	ev := &Event{Kind: EventError, Content: "boom", Context: ErrorContext{Target: "redis", Message: strings.Repeat("a", 100)}}
	got := Preview(ev, 20)
	if len([]rune(got)) != 23 {
		t.Errorf("Preview length = %d, want 23 (%q)", len([]rune(got)), got)
	}
	if !strings.HasPrefix(got, "[error redis]") {
		t.Errorf("Preview = %q", got)
	}
}

func TestEventKind_Protected(t *testing.T) {
	for _, k := range []EventKind{EventDecision, EventProposal, EventConstraint, EventAssumption, EventResult} {
		if !k.Protected() {
			t.Errorf("%s should be protected", k)
		}
	}
	for _, k := range []EventKind{EventPrompt, EventAction, EventError, EventNote} {
		if k.Protected() {
			t.Errorf("%s should not be protected", k)
		}
	}
}

func TestRecordClone_IsDeep(t *testing.T) {
	r := &Record{ID: "a", Supersedes: []string{"b"}, EvidenceEventIDs: []int64{1}}
	c := r.Clone()
	c.Supersedes[0] = "z"
	c.EvidenceEventIDs[0] = 9
	if r.Supersedes[0] != "b" || r.EvidenceEventIDs[0] != 1 {
		t.Error("Clone shares slices with the original")
	}
}

func TestClampConfidence(t *testing.T) {
	if ClampConfidence(-1) != 0 || ClampConfidence(2) != 1 || ClampConfidence(0.3) != 0.3 {
		t.Error("ClampConfidence out of range")
	}
}
