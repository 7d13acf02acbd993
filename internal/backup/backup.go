// Package backup writes, verifies and prunes compressed snapshots of a
// store: every record file and every episodic event.
package backup

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// DirName is the default backup directory under the storage root.
const DirName = "backups"

// ErrNotEmpty is returned when restoring into a store that already holds
// records or events.
var ErrNotEmpty = errors.New("store is not empty")

// Snapshot is the payload of a backup file.
type Snapshot struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	Records   []*models.Record `json:"records"`
	Events    []*models.Event  `json:"events"`
}

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	Records int `json:"records"`
	Events  int `json:"events"`
}

// DefaultDir returns the backup directory of a storage root.
func DefaultDir(root string) string {
	return filepath.Join(root, DirName)
}

// GeneratePath creates a timestamped backup filename in the given directory.
func GeneratePath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s%s", filePrefix, now.UTC().Format("20060102-150405"), fileSuffix))
}
