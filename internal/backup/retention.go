package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	filePrefix = "ledgermind-backup-"
	fileSuffix = ".json.gz"
)

// Info describes a backup file as read from its header line.
type Info struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Records   int       `json:"records"`
	Events    int       `json:"events"`
	Namespace string    `json:"namespace,omitempty"`
	// Readable is false when the header could not be parsed. CreatedAt is
	// then the file's modification time.
	Readable bool `json:"readable"`
}

// Policy picks the backups to keep from a newest-first list.
type Policy interface {
	Keep(backups []Info, now time.Time) []Info
}

// KeepLast keeps the n newest backups.
type KeepLast int

func (n KeepLast) Keep(backups []Info, _ time.Time) []Info {
	return backups[:min(len(backups), max(int(n), 0))]
}

// KeepWithin keeps backups taken less than the duration ago.
type KeepWithin time.Duration

func (d KeepWithin) Keep(backups []Info, now time.Time) []Info {
	cutoff := now.Add(-time.Duration(d))
	var keep []Info
	for _, b := range backups {
		if b.CreatedAt.After(cutoff) {
			keep = append(keep, b)
		}
	}
	return keep
}

// KeepUnderSize keeps the newest backups whose sizes add up to at most the
// limit.
type KeepUnderSize int64

func (limit KeepUnderSize) Keep(backups []Info, _ time.Time) []Info {
	var total int64
	for i, b := range backups {
		total += b.Size
		if total > int64(limit) {
			return backups[:i]
		}
	}
	return backups
}

// AnyOf keeps a backup when any of its policies keeps it.
type AnyOf []Policy

func (p AnyOf) Keep(backups []Info, now time.Time) []Info {
	kept := make(map[string]bool)
	for _, policy := range p {
		for _, b := range policy.Keep(backups, now) {
			kept[b.Path] = true
		}
	}
	return slices.DeleteFunc(slices.Clone(backups), func(b Info) bool { return !kept[b.Path] })
}

// List returns the backups in dir, newest first by the time recorded in
// their headers. A missing directory has no backups.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory %s: %w", dir, err)
	}

	var backups []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		b := Info{Path: filepath.Join(dir, name), Size: fi.Size(), CreatedAt: fi.ModTime()}
		if h, err := ReadHeader(b.Path); err == nil {
			b.Readable = true
			b.CreatedAt = h.CreatedAt
			b.Records = h.RecordCount
			b.Events = h.EventCount
			b.Namespace = h.Metadata["namespace"]
		}
		backups = append(backups, b)
	}

	slices.SortFunc(backups, func(a, b Info) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Path, a.Path)
	})
	return backups, nil
}

// ApplyRetention deletes the readable backups in dir that policy does not
// keep. The newest readable backup always survives, and files whose header
// cannot be read are never touched.
func ApplyRetention(dir string, policy Policy, now time.Time) (deleted []string, err error) {
	all, err := List(dir)
	if err != nil {
		return nil, err
	}
	readable := slices.DeleteFunc(all, func(b Info) bool { return !b.Readable })
	if len(readable) <= 1 {
		return nil, nil
	}

	keep := map[string]bool{readable[0].Path: true}
	for _, b := range policy.Keep(readable, now) {
		keep[b.Path] = true
	}
	for _, b := range readable {
		if keep[b.Path] {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			return deleted, fmt.Errorf("removing backup %s: %w", filepath.Base(b.Path), err)
		}
		deleted = append(deleted, b.Path)
	}
	return deleted, nil
}

var ageUnits = map[byte]time.Duration{
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDuration parses a retention age such as "36h", "30d" or "2w".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid age %q: want a number followed by h, d or w", s)
	}
	unit, ok := ageUnits[s[len(s)-1]]
	n, err := strconv.Atoi(s[:len(s)-1])
	if !ok || err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age %q: want a number followed by h, d or w", s)
	}
	return time.Duration(n) * unit, nil
}

var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize parses a total size such as "500MB" or "2gb" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, u := range sizeUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
		if err != nil || n < 0 {
			break
		}
		return n * u.bytes, nil
	}
	return 0, fmt.Errorf("invalid size %q: want a number followed by B, KB, MB or GB", s)
}
