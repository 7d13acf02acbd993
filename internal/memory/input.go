package memory

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// DecisionInput is a request to write a semantic record.
type DecisionInput struct {
	Title        string            `json:"title" validate:"required,max=200"`
	Target       string            `json:"target" validate:"required,max=120"`
	Rationale    string            `json:"rationale" validate:"required,min=10"`
	Namespace    string            `json:"namespace,omitempty"`
	Kind         models.RecordKind `json:"kind,omitempty" validate:"omitempty,oneof=decision proposal constraint assumption"`
	Confidence   *float64          `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Consequences []string          `json:"consequences,omitempty" validate:"dive,required"`
	Evidence     []int64           `json:"evidence_event_ids,omitempty" validate:"dive,gt=0"`
	Alternatives []string          `json:"alternatives,omitempty"`
	Body         string            `json:"body,omitempty"`

	// Source labels the provenance event written with the record.
	Source string `json:"source,omitempty"`
}

// EventInput is a raw observation passed to ProcessEvent.
type EventInput struct {
	Source  string              `json:"source" validate:"required"`
	Kind    models.EventKind    `json:"kind" validate:"required,oneof=prompt action result error commit_change decision proposal constraint assumption note"`
	Content string              `json:"content"`
	Context models.EventContext `json:"-"`
	Intent  *models.ResolutionIntent
}

// SearchInput is a retrieval request.
type SearchInput struct {
	Query     string `json:"query" validate:"required"`
	Limit     int    `json:"limit,omitempty" validate:"gte=0,lte=100"`
	Mode      string `json:"mode,omitempty" validate:"omitempty,oneof=strict balanced audit"`
	Namespace string `json:"namespace,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// check validates s and converts the first failure into a ValidationError.
func (m *Memory) check(s any) error {
	err := m.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "input", Reason: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Reason: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte", "lte", "gt":
		return fmt.Sprintf("out of range (%s %s), got %v", fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func (m *Memory) checkIntent(intent *models.ResolutionIntent) error {
	if intent == nil {
		return nil
	}
	if err := m.check(intent); err != nil {
		return err
	}
	if intent.Type != models.ResolveAbort && len(intent.TargetRecordIDs) == 0 {
		return &ValidationError{Field: "target_record_ids", Reason: "a supersede or deprecate intent must name the records it resolves"}
	}
	return nil
}
