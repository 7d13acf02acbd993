package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a record or event does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError reports that a write would collide with the active record
// of its (target, namespace) and no valid resolution intent was supplied.
type ConflictError struct {
	Target      string
	Namespace   string
	ConflictIDs []string
	Suggestions []string
	Reason      string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict on %s/%s with active record(s) %s", e.Namespace, e.Target, strings.Join(e.ConflictIDs, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (similar targets: %s)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

// ValidationError reports malformed input. It is raised before any lock
// is taken.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PermissionError reports an operation the caller may not perform, such
// as touching records of another namespace.
type PermissionError struct {
	Op     string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s not permitted: %s", e.Op, e.Reason)
}

// Invariant names a structural property of the supersede graph.
type Invariant string

const (
	InvariantActive     Invariant = "single-active"
	InvariantLink       Invariant = "link-consistency"
	InvariantAcyclic    Invariant = "acyclic"
	InvariantConfidence Invariant = "confidence-range"
	InvariantImmortal   Invariant = "immortal-link"
)

// InvariantViolation reports a broken store invariant. Inside a
// transaction it causes a full rollback.
type InvariantViolation struct {
	Invariant Invariant
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}
