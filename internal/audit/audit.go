// Package audit records every committed transaction in a version history.
package audit

import (
	"context"
	"time"
)

// Entry is one commit touching a record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Hash      string    `json:"hash"`
}

// Backend stages the artifacts of a transaction and commits them as one
// unit. Paths are relative to the backend's root. A nil content stages a
// removal.
type Backend interface {
	AddArtifact(ctx context.Context, path string, content []byte) error
	CommitTransaction(ctx context.Context, message string) (string, error)
	AbortTransaction(ctx context.Context) error
	History(ctx context.Context, id string) ([]Entry, error)
}

// Nop is a Backend that records nothing.
type Nop struct{}

func (Nop) AddArtifact(context.Context, string, []byte) error         { return nil }
func (Nop) CommitTransaction(context.Context, string) (string, error) { return "", nil }
func (Nop) AbortTransaction(context.Context) error                    { return nil }
func (Nop) History(context.Context, string) ([]Entry, error)          { return nil, nil }
