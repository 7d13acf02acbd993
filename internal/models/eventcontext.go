package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the success signal an event carries, if any.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// EventContext is the structured payload of an event. Each event kind has
// its own variant; the set is closed to this package.
type EventContext interface {
	// Subject is the target the event is about.
	Subject() string
	// Outcome reports whether the event signals success or failure.
	Outcome() Outcome

	contextKind() string
}

// DecisionContext carries a semantic write request.
type DecisionContext struct {
	Title        string     `json:"title"`
	Target       string     `json:"target"`
	Namespace    string     `json:"namespace,omitempty"`
	Kind         RecordKind `json:"record_kind,omitempty"`
	Rationale    string     `json:"rationale"`
	Consequences []string   `json:"consequences,omitempty"`
	Confidence   float64    `json:"confidence,omitempty"`
}

// ProposalContext carries a draft hypothesis submitted by an agent.
type ProposalContext struct {
	Title        string   `json:"title"`
	Target       string   `json:"target"`
	Namespace    string   `json:"namespace,omitempty"`
	Rationale    string   `json:"rationale"`
	Confidence   float64  `json:"confidence,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// ErrorContext describes a failure observed while working on a target.
type ErrorContext struct {
	Target  string `json:"target"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ResultContext describes the outcome of an action.
type ResultContext struct {
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// PromptContext opens a turn.
type PromptContext struct {
	Target string `json:"target,omitempty"`
	Text   string `json:"text"`
}

// ActionContext is one step an agent took inside a turn.
type ActionContext struct {
	Target          string `json:"target,omitempty"`
	Tool            string `json:"tool,omitempty"`
	Rationale       string `json:"rationale,omitempty"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
	Committed       bool   `json:"committed,omitempty"`
}

// GenericContext holds any event without a dedicated variant.
type GenericContext struct {
	Target string         `json:"target,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (c DecisionContext) Subject() string { return c.Target }
func (c ProposalContext) Subject() string { return c.Target }
func (c ErrorContext) Subject() string    { return c.Target }
func (c ResultContext) Subject() string   { return c.Target }
func (c PromptContext) Subject() string   { return c.Target }
func (c ActionContext) Subject() string   { return c.Target }
func (c GenericContext) Subject() string  { return c.Target }

func (DecisionContext) Outcome() Outcome { return OutcomeNone }
func (ProposalContext) Outcome() Outcome { return OutcomeNone }
func (ErrorContext) Outcome() Outcome    { return OutcomeFailure }
func (PromptContext) Outcome() Outcome   { return OutcomeNone }
func (GenericContext) Outcome() Outcome  { return OutcomeNone }

func (c ResultContext) Outcome() Outcome {
	if c.Success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func (c ActionContext) Outcome() Outcome {
	if c.Committed {
		return OutcomeSuccess
	}
	return OutcomeNone
}

func (DecisionContext) contextKind() string { return "decision" }
func (ProposalContext) contextKind() string { return "proposal" }
func (ErrorContext) contextKind() string    { return "error" }
func (ResultContext) contextKind() string   { return "result" }
func (PromptContext) contextKind() string   { return "prompt" }
func (ActionContext) contextKind() string   { return "action" }
func (GenericContext) contextKind() string  { return "generic" }

// Step converts an action into a procedure step.
func (c ActionContext) Step(content string) ProcedureStep {
	return ProcedureStep{
		Action:          content,
		Rationale:       c.Rationale,
		ExpectedOutcome: c.ExpectedOutcome,
	}
}

type contextEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalContext encodes a context with its "kind" discriminator.
func MarshalContext(c EventContext) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s context: %w", c.contextKind(), err)
	}
	return json.Marshal(contextEnvelope{Kind: c.contextKind(), Data: data})
}

// UnmarshalContext decodes a context written by MarshalContext.
func UnmarshalContext(data []byte) (EventContext, error) {
	var env contextEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding context envelope: %w", err)
	}

	var (
		ctx EventContext
		err error
	)
	switch env.Kind {
	case "decision":
		var c DecisionContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	case "proposal":
		var c ProposalContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	case "error":
		var c ErrorContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	case "result":
		var c ResultContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	case "prompt":
		var c PromptContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	case "action":
		var c ActionContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	case "generic":
		var c GenericContext
		err = json.Unmarshal(env.Data, &c)
		ctx = c
	default:
		return nil, fmt.Errorf("unknown context kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s context: %w", env.Kind, err)
	}
	return ctx, nil
}

// ContextFor decodes a bare JSON object into the context variant used by
// events of kind. Kinds without a dedicated variant get a GenericContext
// whose Target is lifted from the "target" field.
func ContextFor(kind EventKind, data []byte) (EventContext, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var (
		ctx EventContext
		err error
	)
	switch kind {
	case EventDecision, EventConstraint, EventAssumption:
		var c DecisionContext
		err = json.Unmarshal(data, &c)
		if c.Kind == "" {
			c.Kind = kind.RecordKind()
		}
		ctx = c
	case EventProposal:
		var c ProposalContext
		err = json.Unmarshal(data, &c)
		ctx = c
	case EventError:
		var c ErrorContext
		err = json.Unmarshal(data, &c)
		ctx = c
	case EventResult:
		var c ResultContext
		err = json.Unmarshal(data, &c)
		ctx = c
	case EventPrompt:
		var c PromptContext
		err = json.Unmarshal(data, &c)
		ctx = c
	case EventAction:
		var c ActionContext
		err = json.Unmarshal(data, &c)
		ctx = c
	default:
		var fields map[string]any
		err = json.Unmarshal(data, &fields)
		target, _ := fields["target"].(string)
		delete(fields, "target")
		if len(fields) == 0 {
			fields = nil
		}
		ctx = GenericContext{Target: target, Fields: fields}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s context: %w", kind, err)
	}
	return ctx, nil
}

// Preview renders an event as a single line for search results.
func Preview(e *Event, limit int) string {
	var line string
	switch c := e.Context.(type) {
	case DecisionContext:
		line = fmt.Sprintf("[%s] %s: %s", e.Kind, c.Title, c.Rationale)
	case ProposalContext:
		line = fmt.Sprintf("[proposal] %s: %s", c.Title, c.Rationale)
	case ErrorContext:
		line = fmt.Sprintf("[error %s] %s", c.Target, firstNonEmpty(c.Message, e.Content))
	case ResultContext:
		status := "failed"
		if c.Success {
			status = "ok"
		}
		line = fmt.Sprintf("[result %s %s] %s", c.Target, status, firstNonEmpty(c.Output, e.Content))
	case PromptContext:
		line = fmt.Sprintf("[prompt] %s", firstNonEmpty(c.Text, e.Content))
	case ActionContext:
		line = fmt.Sprintf("[action %s] %s", c.Tool, e.Content)
	case GenericContext:
		line = fmt.Sprintf("[%s] %s", e.Kind, e.Content)
	case nil:
		line = fmt.Sprintf("[%s] %s", e.Kind, e.Content)
	}
	line = strings.Join(strings.Fields(line), " ")
	if limit > 0 && len([]rune(line)) > limit {
		line = string([]rune(line)[:limit]) + "..."
	}
	return line
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
