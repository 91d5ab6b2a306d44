// Package watcher adapts fsnotify to the coalescer's raw event stream. It
// keeps a recursive watch on every eligible directory under the root.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/coalesce"
	"github.com/screenager/mdmirror/internal/logging"
	"github.com/screenager/mdmirror/internal/walk"
)

// Sink receives translated events. It must not block.
type Sink interface {
	Add(ev coalesce.RawEvent) bool
}

// Watcher watches a directory tree for changes and forwards them to a Sink.
type Watcher struct {
	fw         *fsnotify.Watcher
	classifier *classify.Classifier
	maxDepth   int
	log        *zap.Logger

	mu   sync.Mutex
	dirs map[string]bool // absolute paths currently watched
}

// New creates a Watcher for the classifier's root. maxDepth follows the walk
// convention: negative is unlimited.
func New(c *classify.Classifier, maxDepth int, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{
		fw:         fw,
		classifier: c,
		maxDepth:   maxDepth,
		log:        logging.OrNop(log),
		dirs:       make(map[string]bool),
	}, nil
}

// Start adds the root and every eligible sub-directory to the watch list.
// Events that arrive before Run are buffered by fsnotify.
func (w *Watcher) Start() error {
	return w.addDirRecursive(w.classifier.Root(), nil)
}

// Watching returns the number of watched directories.
func (w *Watcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Run forwards events to sink until ctx is cancelled, then closes the
// underlying watcher. Watcher errors are logged and never end the loop.
func (w *Watcher) Run(ctx context.Context, sink Sink) error {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handle(event, sink)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// Close releases the watcher without running it.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func (w *Watcher) handle(event fsnotify.Event, sink Sink) {
	path := filepath.Clean(event.Name)
	switch {
	case event.Has(fsnotify.Create):
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			// Files written before the watch landed would otherwise go unseen.
			if err := w.addDirRecursive(path, func(abs string) {
				sink.Add(coalesce.RawEvent{Kind: coalesce.Created, Path: abs})
			}); err != nil {
				w.log.Debug("skip new directory", zap.String("dir", path), zap.Error(err))
			}
			return
		}
		sink.Add(coalesce.RawEvent{Kind: coalesce.Created, Path: path})

	case event.Has(fsnotify.Write):
		sink.Add(coalesce.RawEvent{Kind: coalesce.Modified, Path: path})

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// fsnotify does not pair renames; the new name arrives as a Create.
		if w.forget(path) {
			sink.Add(coalesce.RawEvent{Kind: coalesce.Deleted, Path: path, Dir: true})
			return
		}
		sink.Add(coalesce.RawEvent{Kind: coalesce.Deleted, Path: path})
	}
}

// depth returns the directory depth of rel below the root (root = 0).
func (w *Watcher) depth(rel string) int {
	if rel == "." {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

// addDirRecursive watches dir and its eligible sub-directories. When found is
// set it is called for every regular file already present.
func (w *Watcher) addDirRecursive(dir string, found func(abs string)) error {
	rel, ok := w.classifier.Rel(dir)
	if !ok || !w.classifier.ShouldDescend(rel) {
		return nil
	}
	d := w.depth(rel)
	if w.maxDepth >= 0 && d > w.maxDepth {
		return nil
	}
	if err := w.add(dir); err != nil {
		return err
	}

	sub := -1
	if w.maxDepth >= 0 {
		sub = w.maxDepth - d
	}
	// Walk only lists files, so sub-directories are registered from Descend.
	return walk.Walk(context.Background(), dir, walk.Options{
		MaxDepth: sub,
		Descend: func(r string) bool {
			full := filepath.Join(dir, filepath.FromSlash(r))
			childRel, ok := w.classifier.Rel(full)
			if !ok || !w.classifier.ShouldDescend(childRel) {
				return false
			}
			if err := w.add(full); err != nil {
				w.log.Debug("skip dir", zap.String("dir", full), zap.Error(err))
				return false
			}
			return true
		},
		OnSkip: func(r string, err error) {
			w.log.Debug("skip unreadable dir", zap.String("dir", r), zap.Error(err))
		},
	}, func(e walk.Entry) error {
		if found != nil {
			found(e.Abs)
		}
		return nil
	})
}

func (w *Watcher) add(dir string) error {
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[dir] = true
	w.mu.Unlock()
	return nil
}

// forget drops path and everything below it from the watch set. It reports
// whether path was a watched directory.
func (w *Watcher) forget(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[path] {
		return false
	}
	prefix := path + string(filepath.Separator)
	for d := range w.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
			// The kernel drops watches on removed directories by itself.
			if err := w.fw.Remove(d); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
				w.log.Debug("unwatch", zap.String("dir", d), zap.Error(err))
			}
		}
	}
	return true
}
