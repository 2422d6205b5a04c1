package mirrorsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem activity under a directory into a coalesced
// trigger channel. Consumers treat a trigger as "something changed, run a
// sync pass"; the syncer's hash comparison sorts out what actually moved.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	trigger chan struct{}
	logger  Logger
}

func NewWatcher(root string, logger Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    filepath.Clean(root),
		fsw:     fsw,
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}
	if err := w.watchTree(w.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Trigger fires after one or more filesystem events. Multiple events coalesce
// into a single pending trigger.
func (w *Watcher) Trigger() <-chan struct{} {
	return w.trigger
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run pumps fsnotify events until ctx is done. New directories are added to
// the watch set as they appear.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watchTree(event.Name); err != nil {
						w.logf("watch %s failed: %v", event.Name, err)
					}
				}
			}
			select {
			case w.trigger <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logf("watch error: %v", err)
		}
	}
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

// ignored filters the mirror's own state file and editor temp files so a sync
// pass does not trigger itself.
func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".xytext-mirror-state.json") {
		return true
	}
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
