package mcp

import (
	"errors"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sl4m3/ledgermind-sub000/internal/memory"
)

// toolFailure maps the typed errors of memory onto a structured tool
// error. Other errors are returned unchanged and surface as protocol
// failures.
func toolFailure(err error) (*ToolError, *sdk.CallToolResult, error) {
	te := describe(err)
	if te == nil {
		return nil, nil, err
	}
	return te, &sdk.CallToolResult{IsError: true}, nil
}

func describe(err error) *ToolError {
	var (
		conflict  *memory.ConflictError
		invalid   *memory.ValidationError
		denied    *memory.PermissionError
		timeout   *memory.LockTimeoutError
		violation *memory.InvariantViolation
	)
	switch {
	case errors.As(err, &conflict):
		return &ToolError{
			Code:        "conflict",
			Message:     err.Error(),
			ConflictIDs: conflict.ConflictIDs,
			Suggestions: conflict.Suggestions,
		}
	case errors.As(err, &invalid):
		return &ToolError{Code: "validation", Message: err.Error(), Field: invalid.Field}
	case errors.As(err, &denied):
		return &ToolError{Code: "permission", Message: err.Error()}
	case errors.As(err, &timeout):
		return &ToolError{Code: "lock_timeout", Message: err.Error()}
	case errors.As(err, &violation):
		return &ToolError{Code: "invariant", Message: err.Error()}
	case errors.Is(err, memory.ErrNotFound):
		return &ToolError{Code: "not_found", Message: err.Error()}
	}
	return nil
}

// outcome is the error recorded in the audit log for a call.
func outcome(te *ToolError, err error) error {
	if err != nil {
		return err
	}
	if te != nil {
		return errors.New(te.Code + ": " + te.Message)
	}
	return nil
}
