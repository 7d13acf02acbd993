package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

type slots map[string]string

func (s slots) ActiveID(_ context.Context, target, namespace string) (string, error) {
	return s[namespace+"/"+target], nil
}

type failingLookup struct{}

func (failingLookup) ActiveID(context.Context, string, string) (string, error) {
	return "", errors.New("index unavailable")
}

type fixedSuggester []string

func (f fixedSuggester) Suggest(string, int) []string { return f }

func TestGetConflicts(t *testing.T) {
	lookup := slots{"default/db": "a"}
	ctx := t.Context()

	got, err := GetConflicts(ctx, lookup, models.KindDecision, "db", "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)

	got, err = GetConflicts(ctx, lookup, models.KindProposal, "db", "default")
	require.NoError(t, err)
	assert.Empty(t, got, "draft proposals do not compete for the slot")

	got, err = GetConflicts(ctx, lookup, models.KindConstraint, "db", "other")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = GetConflicts(ctx, failingLookup{}, models.KindDecision, "db", "default")
	assert.Error(t, err)
}

func TestValidateIntent(t *testing.T) {
	supersedeA := &models.ResolutionIntent{Type: models.ResolveSupersede, TargetRecordIDs: []string{"a"}}
	tests := []struct {
		name      string
		intent    *models.ResolutionIntent
		conflicts []string
		want      bool
	}{
		{"nil intent without conflicts", nil, nil, true},
		{"nil intent with conflicts", nil, []string{"a"}, false},
		{"intent names conflict", supersedeA, []string{"a"}, true},
		{"intent misses conflict", supersedeA, []string{"a", "b"}, false},
		{"intent without conflicts", supersedeA, nil, true},
		{"deprecate names conflict", &models.ResolutionIntent{Type: models.ResolveDeprecate, TargetRecordIDs: []string{"a"}}, []string{"a"}, true},
		{"abort never validates", &models.ResolutionIntent{Type: models.ResolveAbort, TargetRecordIDs: []string{"a"}}, []string{"a"}, false},
		{"abort without conflicts", &models.ResolutionIntent{Type: models.ResolveAbort}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateIntent(tt.intent, tt.conflicts))
		})
	}
}

func TestEngineCheck(t *testing.T) {
	e := NewEngine(fixedSuggester{"database"}, nil, logging.Discard())
	lookup := slots{"default/db": "a"}
	ctx := t.Context()

	_, err := e.Check(ctx, lookup, Request{Kind: models.KindDecision, Target: "db", Namespace: "default"}, "preflight")
	var cerr *models.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"a"}, cerr.ConflictIDs)
	assert.Equal(t, []string{"database"}, cerr.Suggestions)
	assert.Contains(t, err.Error(), "database")

	conflicts, err := e.Check(ctx, lookup, Request{
		Kind: models.KindDecision, Target: "db", Namespace: "default",
		Intent: &models.ResolutionIntent{Type: models.ResolveSupersede, TargetRecordIDs: []string{"a"}},
	}, "commit")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, conflicts)
}
