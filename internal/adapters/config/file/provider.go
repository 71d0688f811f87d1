// Package file watches configuration documents on disk.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to a set of files. It watches their parent
// directories so that files replaced by rename are still seen.
type Watcher struct {
	files    map[string]struct{}
	dirs     []string
	debounce time.Duration
	logger   *slog.Logger

	ready chan struct{}

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for paths. Bursts of events closer together
// than debounce produce a single callback.
func NewWatcher(debounce time.Duration, logger *slog.Logger, paths ...string) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		files:    make(map[string]struct{}, len(paths)),
		debounce: debounce,
		logger:   logger,
		ready:    make(chan struct{}),
	}
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("watch path cannot be empty")
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.files[abs] = struct{}{}
		if dir := filepath.Dir(abs); !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w, nil
}

// Watch blocks until ctx is cancelled, calling onChange with the changed
// file's path after each debounced burst. Callbacks run on the watch
// goroutine, so they never overlap. Watch may only be called once.
func (w *Watcher) Watch(ctx context.Context, onChange func(ctx context.Context, path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()
	defer w.Close()

	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.logger.Info("watching for document changes", slog.String("dir", dir))
	}
	close(w.ready)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("document watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.matches(event) {
				continue
			}
			changed = filepath.Clean(event.Name)
			if w.debounce <= 0 {
				onChange(ctx, changed)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.logger.Info("document changed", slog.String("path", changed))
			onChange(ctx, changed)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("document watch error", slog.String("error", err.Error()))
		}
	}
}

// Ready is closed once every directory is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	// Rename covers editors that write a temp file and move it into place.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	_, ok := w.files[filepath.Clean(event.Name)]
	return ok
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}

	return nil
}
