package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/logging"
)

// Git is a Backend that commits each transaction to a git repository
// using the git command line. The working tree is the record directory, so
// artifacts are already on disk when they are staged.
type Git struct {
	repoPath string
	timeout  time.Duration
	logger   *slog.Logger

	mu sync.Mutex
}

// NewGit opens the repository at repoPath, initializing it when needed.
func NewGit(ctx context.Context, repoPath string, timeout time.Duration, logger *slog.Logger) (*Git, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git audit backend: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return nil, fmt.Errorf("creating repository dir: %w", err)
	}

	g := &Git{repoPath: repoPath, timeout: timeout, logger: logging.OrDefault(logger)}
	if _, err := g.run(ctx, "rev-parse", "--git-dir"); err != nil {
		if _, err := g.run(ctx, "init", "-q"); err != nil {
			return nil, err
		}
		g.logger.Info("initialized audit repository", "path", repoPath)
	}
	for _, kv := range [][2]string{
		{"user.name", "ledgermind"},
		{"user.email", "ledgermind@localhost"},
		{"commit.gpgsign", "false"},
	} {
		if _, err := g.run(ctx, "config", kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// run executes a git command and returns stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) hasHead(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "-q", "HEAD")
	return err == nil
}

// AddArtifact stages path. A nil content stages its removal.
func (g *Git) AddArtifact(ctx context.Context, path string, content []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if content == nil {
		_, err := g.run(ctx, "rm", "-q", "--cached", "--ignore-unmatch", "--", path)
		return err
	}
	_, err := g.run(ctx, "add", "--", path)
	return err
}

// CommitTransaction commits the staged artifacts. It returns "" when
// nothing was staged.
func (g *Git) CommitTransaction(ctx context.Context, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	staged, err := g.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if staged == "" {
		return "", nil
	}
	if message == "" {
		message = "ledgermind: update"
	}
	if _, err := g.run(ctx, "commit", "-q", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// AbortTransaction unstages everything staged since the last commit.
func (g *Git) AbortTransaction(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasHead(ctx) {
		_, err := g.run(ctx, "reset", "-q")
		return err
	}
	_, err := g.run(ctx, "rm", "-r", "-q", "--cached", "--ignore-unmatch", ".")
	return err
}

// History lists the commits that touched the record file of id, newest
// first.
func (g *Git) History(ctx context.Context, id string) ([]Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasHead(ctx) {
		return nil, nil
	}
	out, err := g.run(ctx, "log", "--format=%H%x1f%aI%x1f%s", "--", ":(glob)**/"+id+".md")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			g.logger.Debug("unparseable commit time", "hash", parts[0], "value", parts[1])
		}
		entries = append(entries, Entry{Hash: parts[0], Timestamp: ts, Message: parts[2]})
	}
	return entries, nil
}
