package memory

import (
	"github.com/sl4m3/ledgermind-sub000/internal/lock"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// ErrNotFound is returned when a record or event does not exist.
var ErrNotFound = models.ErrNotFound

// Typed errors returned by Memory. Use errors.As to inspect them.
type (
	ConflictError      = models.ConflictError
	ValidationError    = models.ValidationError
	PermissionError    = models.PermissionError
	InvariantViolation = models.InvariantViolation
	LockTimeoutError   = lock.TimeoutError
)
