// Package reload provides a secondary, best-effort hot-reload trigger:
// a directory watcher that nudges a file-backed component's ForceReload
// as soon as fsnotify observes a write, rather than waiting for its next
// TTL-gated access. The TTL+signature cache in each component remains
// the primary, always-correct mechanism; this just shaves reload latency
// for the common case.
package reload

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is satisfied by any hot-reloaded component.
type Reloadable interface {
	ForceReload() error
}

// Watcher watches one or more directories and calls the matching
// Reloadable's ForceReload whenever fsnotify reports a write or create
// event for a file whose base name it's registered for.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	targets   map[string]Reloadable
	done      chan struct{}
}

// New creates a Watcher. Call Watch to register directories before
// Start.
func New() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: creating watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fw,
		targets:   map[string]Reloadable{},
		done:      make(chan struct{}),
	}, nil
}

// Watch registers r to be force-reloaded whenever fileName (matched by
// base name, in the directory containing fileName) changes. The
// directory is added to the underlying fsnotify watch list if it isn't
// already.
func (w *Watcher) Watch(fileName string, r Reloadable) error {
	dir := filepath.Dir(fileName)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("reload: watching directory %s: %w", dir, err)
	}
	w.targets[filepath.Base(fileName)] = r
	return nil
}

// Start begins processing fsnotify events in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			r, ok := w.targets[name]
			if !ok {
				continue
			}
			if err := r.ForceReload(); err != nil {
				slog.Error("reload: force reload failed", "file", name, "error", err)
			} else {
				slog.Debug("reload: force reloaded", "file", name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("reload: watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
