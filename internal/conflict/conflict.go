// Package conflict detects writes that would collide with the active
// record of a (target, namespace) slot and validates the caller's
// resolution intent against them.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// ActiveLookup finds the active record of a slot. Both the index and an
// index transaction satisfy it.
type ActiveLookup interface {
	ActiveID(ctx context.Context, target, namespace string) (string, error)
}

// Suggester proposes known targets similar to a name.
type Suggester interface {
	Suggest(query string, limit int) []string
}

// GetConflicts returns the ids of active records a write of kind to
// (target, namespace) would collide with. Draft proposals never collide;
// acceptance checks them as decisions.
func GetConflicts(ctx context.Context, lookup ActiveLookup, kind models.RecordKind, target, namespace string) ([]string, error) {
	if !kind.Conflicting() {
		return nil, nil
	}
	id, err := lookup.ActiveID(ctx, target, namespace)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return []string{id}, nil
}

// ValidateIntent reports whether intent resolves conflicts: abort never
// does, a nil intent only when there is nothing to resolve, otherwise
// every conflict must be named by the intent.
func ValidateIntent(intent *models.ResolutionIntent, conflicts []string) bool {
	if intent == nil {
		return len(conflicts) == 0
	}
	if intent.Type == models.ResolveAbort {
		return false
	}
	for _, id := range conflicts {
		if !slices.Contains(intent.TargetRecordIDs, id) {
			return false
		}
	}
	return true
}

// Request describes a pending semantic write.
type Request struct {
	Kind      models.RecordKind
	Target    string
	Namespace string
	Intent    *models.ResolutionIntent
}

// Engine runs conflict checks and records them in the decision log.
type Engine struct {
	suggest   Suggester
	decisions *logging.DecisionLogger
	logger    *slog.Logger
}

// NewEngine returns an Engine. suggest and decisions may be nil.
func NewEngine(suggest Suggester, decisions *logging.DecisionLogger, logger *slog.Logger) *Engine {
	return &Engine{suggest: suggest, decisions: decisions, logger: logging.OrDefault(logger)}
}

// Check returns the detected conflicts, or a *models.ConflictError when
// the request's intent does not resolve them. phase labels the check in
// logs ("preflight" or "commit").
func (e *Engine) Check(ctx context.Context, lookup ActiveLookup, req Request, phase string) ([]string, error) {
	conflicts, err := GetConflicts(ctx, lookup, req.Kind, req.Target, req.Namespace)
	if err != nil {
		return nil, fmt.Errorf("checking conflicts on %s/%s: %w", req.Namespace, req.Target, err)
	}
	ok := ValidateIntent(req.Intent, conflicts)

	fields := map[string]any{
		"phase":     phase,
		"target":    req.Target,
		"namespace": req.Namespace,
		"conflicts": conflicts,
		"resolved":  ok,
	}
	if req.Intent != nil {
		fields["intent"] = string(req.Intent.Type)
	}
	e.decisions.Log("conflict_check", fields)

	if ok {
		return conflicts, nil
	}

	cerr := &models.ConflictError{
		Target:      req.Target,
		Namespace:   req.Namespace,
		ConflictIDs: conflicts,
	}
	switch {
	case req.Intent == nil:
		cerr.Reason = "a resolution intent naming the active record is required"
	case req.Intent.Type == models.ResolveAbort:
		cerr.Reason = "write aborted by resolution intent"
	default:
		cerr.Reason = "resolution intent does not name every conflicting record"
	}
	if e.suggest != nil {
		cerr.Suggestions = e.suggest.Suggest(req.Target, 3)
	}
	e.logger.Debug("write conflicts with active record",
		"target", req.Target, "namespace", req.Namespace, "conflicts", conflicts, "phase", phase)
	return conflicts, cerr
}
