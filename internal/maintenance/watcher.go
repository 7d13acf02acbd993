package maintenance

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceWindow = 2 * time.Second

// dirWatcher reports edits to the record directory that did not come
// through the store, such as a hand-edited record file or a git checkout.
// Bursts of events are folded into one callback.
type dirWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onChange func()
	debounce time.Duration
}

func newDirWatcher(root string, debounce time.Duration, logger *slog.Logger, onChange func()) (*dirWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	d := &dirWatcher{root: root, watcher: w, logger: logger, onChange: onChange, debounce: debounce}
	if err := d.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}
	return d, nil
}

func (d *dirWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !e.IsDir() {
			return nil
		}
		if path != root && ignored(path) {
			return filepath.SkipDir
		}
		return d.watcher.Add(path)
	})
}

// ignored skips hidden files and directories: the git repository and the
// temporary files written during atomic renames.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp")
}

func (d *dirWatcher) run(ctx context.Context) {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ignored(ev.Name) {
				continue
			}
			// New namespace directories are watched too.
			if ev.Has(fsnotify.Create) {
				if err := d.addRecursive(ev.Name); err != nil {
					d.logger.Debug("failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
			if pending == nil {
				pending = time.After(d.debounce)
			}
		case <-pending:
			pending = nil
			d.onChange()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("record watcher error", "error", err)
		}
	}
}

func (d *dirWatcher) close() error {
	return d.watcher.Close()
}
