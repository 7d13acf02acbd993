// Package lock provides the cross-process storage lock.
//
// A Manager guards a single lock file with flock(2). Writers take the lock
// exclusively, readers may share it. Goroutines of one process are
// serialized by an in-process RWMutex because flock is held per open file
// description and would not make them contend. Busy locks are retried with
// exponential backoff until the configured timeout.
//
// The lock file is never removed. flock is released by the kernel when its
// holder exits, so a busy lock always has a live holder, readers included.
// A file naming a dead pid and older than StaleAfter is a crash leftover:
// the next acquisition takes it over and reports it through Reclaimed.
package lock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
)

// errBusy signals a transient contention; the acquisition is retried.
var errBusy = errors.New("lock busy")

// TimeoutError is returned when the lock could not be acquired in time.
type TimeoutError struct {
	Path   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s: not acquired after %v", e.Path, e.Waited.Round(time.Millisecond))
}

// Config configures a Manager.
type Config struct {
	Path            string
	Timeout         time.Duration
	StaleAfter      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = 2 * time.Second
	}
}

// Manager hands out exclusive and shared handles on one lock file.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates a Manager for cfg.Path, creating its directory.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Path == "" {
		return nil, errors.New("lock path is required")
	}
	cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Manager{cfg: cfg, logger: logging.OrDefault(logger)}, nil
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return m.cfg.Path
}

// Handle is a held lock. Release it exactly once; extra calls are no-ops.
type Handle struct {
	m         *Manager
	file      *os.File
	exclusive bool
	reclaimed bool
	once      sync.Once
}

// Exclusive reports whether the handle holds the lock exclusively.
func (h *Handle) Exclusive() bool { return h.exclusive }

// Reclaimed reports whether acquiring this handle recovered a stale lock
// left by a dead process.
func (h *Handle) Reclaimed() bool { return h.reclaimed }

// Release drops the OS lock and the in-process lock.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		err = unlockFile(h.file)
		if cerr := h.file.Close(); err == nil {
			err = cerr
		}
		if h.exclusive {
			h.m.mu.Unlock()
		} else {
			h.m.mu.RUnlock()
		}
	})
	return err
}

// Acquire takes the lock, exclusively for writers. It retries with
// exponential backoff while the lock is busy and returns a *TimeoutError
// once the configured timeout elapses.
func (m *Manager) Acquire(ctx context.Context, exclusive bool) (*Handle, error) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialInterval
	b.MaxInterval = m.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	var lastErr error
	op := func() (*Handle, error) {
		h, err := m.tryAcquire(exclusive)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if errors.Is(err, errBusy) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	h, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.cfg.Timeout),
	)
	waited := time.Since(start)
	telemetry.RecordLockWait(ctx, waited, exclusive, err == nil)
	if err == nil {
		if waited > m.cfg.InitialInterval {
			m.logger.Debug("lock acquired after contention", "path", m.cfg.Path, "waited", waited, "exclusive", exclusive)
		}
		return h, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(lastErr, errBusy) {
		return nil, &TimeoutError{Path: m.cfg.Path, Waited: waited}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, err
}

// tryAcquire makes one non-blocking attempt.
func (m *Manager) tryAcquire(exclusive bool) (*Handle, error) {
	if exclusive {
		if !m.mu.TryLock() {
			return nil, errBusy
		}
	} else if !m.mu.TryRLock() {
		return nil, errBusy
	}
	release := func() {
		if exclusive {
			m.mu.Unlock()
		} else {
			m.mu.RUnlock()
		}
	}

	f, err := m.lockFile(exclusive)
	if err != nil {
		release()
		return nil, err
	}

	h := &Handle{m: m, file: f, exclusive: exclusive}
	if !exclusive {
		return h, nil
	}
	// Only writers rewrite the holder lines, so a dead pid here is a
	// writer that crashed; its flock is already gone.
	prev, _ := readHolder(m.cfg.Path)
	if prev.pid > 0 && prev.pid != os.Getpid() && !processAlive(prev.pid) && m.stale(prev.written) {
		h.reclaimed = true
		m.logger.Warn("reclaimed stale lock", "path", m.cfg.Path, "dead_pid", prev.pid)
	}
	writeHolder(f)
	return h, nil
}

func (m *Manager) lockFile(exclusive bool) (*os.File, error) {
	f, err := os.OpenFile(m.cfg.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", m.cfg.Path, err)
	}
	if err := lockNB(f, exclusive); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (m *Manager) stale(written time.Time) bool {
	if written.IsZero() {
		return false
	}
	return time.Since(written) > m.cfg.StaleAfter
}

type holderInfo struct {
	pid     int
	written time.Time
}

// readHolder parses the pid=/time= lines of a lock file. The file mtime is
// used when no time line is present.
func readHolder(path string) (holderInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return holderInfo{}, err
	}
	defer f.Close()

	var h holderInfo
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.pid, _ = strconv.Atoi(value)
		case "time":
			h.written, _ = time.Parse(time.RFC3339, value)
		}
	}
	if info, err := f.Stat(); err == nil && (h.written.IsZero() || info.ModTime().Before(h.written)) {
		h.written = info.ModTime()
	}
	return h, sc.Err()
}

func writeHolder(f *os.File) {
	// Best effort; the content is diagnostic only.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}
