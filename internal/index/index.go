// Package index maintains the index document: a JSON array of every tracked
// file's relative path under one designated root, sorted ascending. The
// document is fully replaced on every rebuild, never patched.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/metrics"
	"github.com/screenager/mdmirror/internal/walk"
)

// DefaultOutput is the index document written when no path is configured.
const DefaultOutput = "files.json"

// Options configures a Builder.
type Options struct {
	// Root is the designated root: the watched tree or the mirror.
	Root string
	// Output is the index document path.
	Output string
	// Classifier decides what is tracked under Root. Its excluded directory
	// keeps a nested mirror out of a watched-root index.
	Classifier *classify.Classifier
	// MaxDepth limits enumeration; negative is unlimited.
	MaxDepth int
}

// Stats holds summary information about the last rebuild.
type Stats struct {
	Entries     int
	LastWritten time.Time
	LastError   error
}

// Builder enumerates the tracked set and writes the index document.
type Builder struct {
	opts Options

	mu      sync.Mutex // serializes rebuilds so two never race on the rename
	stats   Stats
	statsMu sync.RWMutex

	rename func(oldpath, newpath string) error
}

// NewBuilder creates a Builder. Options.Classifier must be rooted at Root.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Classifier == nil {
		return nil, errors.New("index: classifier is required")
	}
	if opts.Output == "" {
		opts.Output = DefaultOutput
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", opts.Root, err)
	}
	out, err := filepath.Abs(opts.Output)
	if err != nil {
		return nil, fmt.Errorf("resolve output %s: %w", opts.Output, err)
	}
	opts.Root, opts.Output = root, out
	return &Builder{opts: opts, rename: os.Rename}, nil
}

// Root returns the designated root.
func (b *Builder) Root() string { return b.opts.Root }

// Output returns the absolute path of the index document.
func (b *Builder) Output() string { return b.opts.Output }

// Build enumerates the tracked set under the root. The result is sorted,
// free of duplicates and never nil. Any enumeration error is returned with no
// partial result.
func (b *Builder) Build(ctx context.Context) ([]string, error) {
	c := b.opts.Classifier
	paths := []string{}
	err := walk.Walk(ctx, b.opts.Root, walk.Options{
		MaxDepth: b.opts.MaxDepth,
		Descend:  c.ShouldDescend,
	}, func(e walk.Entry) error {
		if c.TrackedRel(e.Rel) {
			paths = append(paths, e.Rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return dedup(paths), nil
}

func dedup(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// Rebuild enumerates the root and atomically replaces the index document. On
// failure the previous document stays authoritative. It returns the number of
// entries written.
func (b *Builder) Rebuild(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	paths, err := b.Build(ctx)
	if err == nil {
		err = b.write(paths)
	}

	b.statsMu.Lock()
	if err != nil {
		b.stats.LastError = err
	} else {
		b.stats = Stats{Entries: len(paths), LastWritten: time.Now()}
	}
	b.statsMu.Unlock()

	metrics.RecordIndexRebuild(err == nil, len(paths))
	if err != nil {
		return 0, fmt.Errorf("rebuild index %s: %w", b.opts.Output, err)
	}
	return len(paths), nil
}

// Encode renders paths the way the index document stores them.
func Encode(paths []string) ([]byte, error) {
	if paths == nil {
		paths = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(paths); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// write stores paths in a temp file beside the output, syncs it and renames
// it into place.
func (b *Builder) write(paths []string) (err error) {
	data, err := Encode(paths)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(b.opts.Output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(b.opts.Output)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := b.rename(tmp, b.opts.Output); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Stats returns summary statistics about the index.
func (b *Builder) Stats() Stats {
	b.statsMu.RLock()
	defer b.statsMu.RUnlock()
	return b.stats
}

// Read parses an index document.
func Read(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("corrupt index %s: %w", path, err)
	}
	if paths == nil {
		paths = []string{}
	}
	return paths, nil
}
