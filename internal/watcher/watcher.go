// Package watcher observes a single file for changes, debouncing the
// editor-style write bursts into one callback per settle.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce covers the write-rename dance most editors and
// atomic-write helpers perform on save.
const DefaultDebounce = 500 * time.Millisecond

// FileWatcher invokes a callback when one file changes on disk. The
// parent directory is watched rather than the file itself so atomic
// replaces (write temp, rename over) are still seen.
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func()

	mu      sync.Mutex
	pending *time.Timer
	watcher *fsnotify.Watcher
}

// New creates a watcher for path. The callback runs on the watcher
// goroutine; keep it short or hand off.
func New(path string, debounce time.Duration, onChange func()) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &FileWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		watcher:  fsw,
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("File watcher error")
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *FileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.onChange)
}

// Close stops watching. Safe to call more than once.
func (w *FileWatcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
