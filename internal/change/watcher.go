// Package change watches a working copy for edits made outside wcsync.
package change

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher collects the paths touched below Root and hands them over in
// batches once the filesystem has been quiet for a while.
type Watcher struct {
	Root       string
	watcher    *fsnotify.Watcher
	ignoreDirs map[string]bool
	mu         sync.Mutex
	changed    map[string]bool
	logger     *zap.Logger
}

// NewWatcher watches every directory below root except those named in
// ignore, typically the administrative directory.
func NewWatcher(root string, ignore []string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		Root:       root,
		watcher:    watcher,
		ignoreDirs: make(map[string]bool, len(ignore)),
		changed:    make(map[string]bool),
		logger:     logger,
	}
	for _, name := range ignore {
		w.ignoreDirs[name] = true
	}
	if err := w.addTree(root); err != nil {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.Root && w.ignoreDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

// ShouldIgnore reports whether rel lies in an ignored directory.
func (w *Watcher) ShouldIgnore(rel string) bool {
	if rel == "" || rel == "." {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignoreDirs[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) handle(event fsnotify.Event) bool {
	rel, err := filepath.Rel(w.Root, event.Name)
	if err != nil {
		w.logger.Error("getting relative path", zap.Error(err))
		return false
	}
	if w.ShouldIgnore(rel) {
		return false
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watching new directory", zap.String("path", rel), zap.Error(err))
			}
		}
	}

	w.mu.Lock()
	w.changed[filepath.ToSlash(rel)] = true
	w.mu.Unlock()
	return true
}

func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.changed))
	for p := range w.changed {
		paths = append(paths, p)
	}
	w.changed = make(map[string]bool)
	sort.Strings(paths)
	return paths
}

// Run calls fn with the sorted, slash separated paths changed since the
// previous call, once no event has arrived for quiet. It returns when
// ctx is done or fn fails.
func (w *Watcher) Run(ctx context.Context, quiet time.Duration, fn func(paths []string) error) error {
	timer := time.NewTimer(quiet)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handle(event) {
				timer.Reset(quiet)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		case <-timer.C:
			if paths := w.drain(); len(paths) > 0 {
				if err := fn(paths); err != nil {
					return err
				}
			}
		}
	}
}

// Close cleans up resources
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
