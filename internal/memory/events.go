package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sl4m3/ledgermind-sub000/internal/episodic"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// ProcessEvent routes an observation. Semantic kinds carrying a decision
// or proposal context become records through RecordDecision; everything
// else is appended to the episodic log. A conflicting semantic event
// returns both the routing decision and the *ConflictError.
func (m *Memory) ProcessEvent(ctx context.Context, in EventInput) (*models.Decision, error) {
	if strings.TrimSpace(in.Content) == "" && in.Context == nil {
		return &models.Decision{StoreType: models.StoreNone, Reason: "empty event"}, nil
	}
	if err := m.check(in); err != nil {
		return nil, err
	}

	if in.Kind.Semantic() {
		return m.processSemantic(ctx, in)
	}

	ev := &models.Event{
		Source:    in.Source,
		Kind:      in.Kind,
		Content:   in.Content,
		Context:   in.Context,
		Timestamp: m.now(),
	}
	id, duplicate, err := m.events.Append(ctx, ev)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return &models.Decision{
			StoreType: models.StoreEpisodic,
			Reason:    "duplicate of an existing event",
			Metadata:  map[string]any{"event_id": id, "duplicate": true},
		}, nil
	}
	return &models.Decision{
		ShouldPersist: true,
		StoreType:     models.StoreEpisodic,
		Reason:        fmt.Sprintf("%s event logged", in.Kind),
		Metadata:      map[string]any{"event_id": id},
	}, nil
}

func (m *Memory) processSemantic(ctx context.Context, in EventInput) (*models.Decision, error) {
	din, err := decisionInput(in)
	if err != nil {
		return nil, err
	}
	rec, err := m.RecordDecision(ctx, din, in.Intent)
	var cerr *ConflictError
	if errors.As(err, &cerr) {
		return &models.Decision{
			StoreType: models.StoreSemantic,
			Reason:    cerr.Error(),
			Metadata: map[string]any{
				"conflicts":   cerr.ConflictIDs,
				"suggestions": cerr.Suggestions,
			},
		}, err
	}
	if err != nil {
		return nil, err
	}
	return &models.Decision{
		ShouldPersist: true,
		StoreType:     models.StoreSemantic,
		Reason:        fmt.Sprintf("%s recorded on %s", rec.Kind, rec.Target),
		Metadata: map[string]any{
			"record_id": rec.ID,
			"status":    string(rec.Status),
		},
	}, nil
}

func decisionInput(in EventInput) (DecisionInput, error) {
	switch c := in.Context.(type) {
	case models.DecisionContext:
		kind := c.Kind
		if kind == "" {
			kind = in.Kind.RecordKind()
		}
		din := DecisionInput{
			Title:        c.Title,
			Target:       c.Target,
			Rationale:    c.Rationale,
			Namespace:    c.Namespace,
			Kind:         kind,
			Consequences: c.Consequences,
			Body:         in.Content,
			Source:       in.Source,
		}
		if c.Confidence > 0 {
			din.Confidence = &c.Confidence
		}
		return din, nil
	case models.ProposalContext:
		din := DecisionInput{
			Title:        c.Title,
			Target:       c.Target,
			Rationale:    c.Rationale,
			Namespace:    c.Namespace,
			Kind:         models.KindProposal,
			Alternatives: c.Alternatives,
			Body:         in.Content,
			Source:       in.Source,
		}
		if c.Confidence > 0 {
			din.Confidence = &c.Confidence
		}
		return din, nil
	}
	return DecisionInput{}, &ValidationError{
		Field:  "context",
		Reason: fmt.Sprintf("%s events need a decision or proposal context", in.Kind),
	}
}

// Events returns episodic events matching f.
func (m *Memory) Events(ctx context.Context, f episodic.Filter) ([]*models.Event, error) {
	return m.events.Query(ctx, f)
}

// Event returns one episodic event.
func (m *Memory) Event(ctx context.Context, id int64) (*models.Event, error) {
	return m.events.Get(ctx, id)
}
