package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names what an episodic event describes.
type EventKind string

const (
	EventPrompt       EventKind = "prompt"
	EventAction       EventKind = "action"
	EventResult       EventKind = "result"
	EventError        EventKind = "error"
	EventCommitChange EventKind = "commit_change"
	EventDecision     EventKind = "decision"
	EventProposal     EventKind = "proposal"
	EventConstraint   EventKind = "constraint"
	EventAssumption   EventKind = "assumption"
	EventNote         EventKind = "note"
)

// Semantic reports whether events of this kind describe semantic knowledge
// and are routed to the record store.
func (k EventKind) Semantic() bool {
	switch k {
	case EventDecision, EventProposal, EventConstraint, EventAssumption:
		return true
	}
	return false
}

// Protected reports whether events of this kind are exempt from episodic
// decay.
func (k EventKind) Protected() bool {
	return k.Semantic() || k == EventResult
}

// RecordKind maps a semantic event kind onto the record kind it creates.
func (k EventKind) RecordKind() RecordKind {
	switch k {
	case EventProposal:
		return KindProposal
	case EventConstraint:
		return KindConstraint
	case EventAssumption:
		return KindAssumption
	default:
		return KindDecision
	}
}

// EventStatus is the retention state of an episodic event.
type EventStatus string

const (
	EventActive   EventStatus = "active"
	EventArchived EventStatus = "archived"
)

// Event is an immutable episodic observation. Only Status and the link
// fields ever change after insertion.
type Event struct {
	ID           int64        `json:"id"`
	Source       string       `json:"source"`
	Kind         EventKind    `json:"kind"`
	Content      string       `json:"content"`
	Context      EventContext `json:"-"`
	Timestamp    time.Time    `json:"timestamp"`
	Status       EventStatus  `json:"status"`
	LinkedID     string       `json:"linked_id,omitempty"`
	LinkStrength float64      `json:"link_strength"`
}

// Linked reports whether the event is immortal.
func (e *Event) Linked() bool {
	return e.LinkedID != ""
}

// Target returns the subject the event is about, or "" when its context
// names none.
func (e *Event) Target() string {
	if e.Context == nil {
		return ""
	}
	return e.Context.Subject()
}

type eventJSON struct {
	ID           int64           `json:"id"`
	Source       string          `json:"source"`
	Kind         EventKind       `json:"kind"`
	Content      string          `json:"content"`
	Context      json.RawMessage `json:"context,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Status       EventStatus     `json:"status"`
	LinkedID     string          `json:"linked_id,omitempty"`
	LinkStrength float64         `json:"link_strength"`
}

// MarshalJSON encodes the event with its tagged context.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:           e.ID,
		Source:       e.Source,
		Kind:         e.Kind,
		Content:      e.Content,
		Timestamp:    e.Timestamp,
		Status:       e.Status,
		LinkedID:     e.LinkedID,
		LinkStrength: e.LinkStrength,
	}
	if e.Context != nil {
		raw, err := MarshalContext(e.Context)
		if err != nil {
			return nil, err
		}
		out.Context = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an event and its tagged context.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event{
		ID:           in.ID,
		Source:       in.Source,
		Kind:         in.Kind,
		Content:      in.Content,
		Timestamp:    in.Timestamp,
		Status:       in.Status,
		LinkedID:     in.LinkedID,
		LinkStrength: in.LinkStrength,
	}
	if len(in.Context) > 0 && string(in.Context) != "null" {
		ctx, err := UnmarshalContext(in.Context)
		if err != nil {
			return fmt.Errorf("event %d context: %w", in.ID, err)
		}
		e.Context = ctx
	}
	return nil
}
