// Package mirror applies coalesced actions to the mirror directory and keeps
// the index document in step with it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/coalesce"
	"github.com/screenager/mdmirror/internal/logging"
	"github.com/screenager/mdmirror/internal/metrics"
	"github.com/screenager/mdmirror/internal/walk"
)

// ErrIncompleteScan means the watched tree could not be read completely, so
// nothing was pruned.
var ErrIncompleteScan = errors.New("incomplete scan of watched tree")

// DefaultConcurrency bounds parallel copies within one batch or sync pass.
const DefaultConcurrency = 8

// Copier copies one file and reports whether it landed.
type Copier interface {
	Copy(ctx context.Context, src, dst string) bool
}

// Rebuilder rewrites the index document.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

// Options configures an Engine.
type Options struct {
	// Root is the watched root.
	Root string
	// MirrorRoot is the mirror directory. Empty disables mirroring; Apply
	// then only rebuilds the index.
	MirrorRoot string
	// Classifier is rooted at Root and excludes the mirror.
	Classifier *classify.Classifier
	// Copier serves live batches.
	Copier Copier
	// BulkCopier serves InitialSync. Nil falls back to Copier.
	BulkCopier Copier
	// Index is rebuilt once per batch. May be nil.
	Index Rebuilder
	// MaxDepth limits the initial walk and prune; negative is unlimited.
	MaxDepth int
	// Concurrency bounds parallel copies. Zero uses DefaultConcurrency.
	Concurrency int
}

// Op is a resolved per-path operation.
type Op string

const (
	OpCopy      Op = "copy"
	OpDelete    Op = "delete"
	OpDeleteDir Op = "delete-dir"
)

// Outcome records what happened to one mirror path.
type Outcome struct {
	Op   Op
	Path string
	OK   bool
}

// Result summarizes one applied batch.
type Result struct {
	Batch        string
	Actions      int
	Copied       int
	Deleted      int
	Failed       int
	Outcomes     []Outcome
	IndexEntries int
	IndexErr     error
	Duration     time.Duration
}

// SyncReport summarizes an initial sync.
type SyncReport struct {
	Batch     string
	Copied    int
	Unchanged int
	Failed    int
	Duration  time.Duration
}

// Engine owns all writes to the mirror.
type Engine struct {
	opts Options
	log  *zap.Logger
}

// New creates an Engine.
func New(opts Options, log *zap.Logger) (*Engine, error) {
	if opts.Classifier == nil {
		return nil, errors.New("mirror: classifier is required")
	}
	if opts.MirrorRoot != "" && opts.Copier == nil {
		return nil, errors.New("mirror: copier is required when mirroring")
	}
	if opts.BulkCopier == nil {
		opts.BulkCopier = opts.Copier
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	opts.Root = opts.Classifier.Root()
	if opts.MirrorRoot != "" {
		abs, err := filepath.Abs(opts.MirrorRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve mirror %s: %w", opts.MirrorRoot, err)
		}
		opts.MirrorRoot = abs
	}
	return &Engine{opts: opts, log: logging.OrNop(log)}, nil
}

// Mirroring reports whether a mirror directory is configured.
func (e *Engine) Mirroring() bool { return e.opts.MirrorRoot != "" }

// MirrorRoot returns the absolute mirror directory, or "".
func (e *Engine) MirrorRoot() string { return e.opts.MirrorRoot }

type planned struct {
	op  Op
	seq uint64
}

// plan resolves a batch into one operation per mirror path. The action with
// the highest Seq decides each path, and a directory deletion swallows older
// operations beneath it.
func plan(batch []coalesce.Action) (dirs []string, ops map[string]planned) {
	ops = make(map[string]planned)
	dirSeq := make(map[string]uint64)
	set := func(p string, op Op, seq uint64) {
		if cur, ok := ops[p]; !ok || seq >= cur.seq {
			ops[p] = planned{op: op, seq: seq}
		}
	}
	for _, a := range batch {
		switch a.Kind {
		case coalesce.Created, coalesce.Modified:
			set(a.Path, OpCopy, a.Seq)
		case coalesce.Deleted:
			if a.Dir {
				if a.Seq > dirSeq[a.Path] {
					dirSeq[a.Path] = a.Seq
				}
				continue
			}
			set(a.Path, OpDelete, a.Seq)
		case coalesce.Moved:
			set(a.Path, OpDelete, a.Seq)
			set(a.Dest, OpCopy, a.Seq)
		}
	}
	for dir, seq := range dirSeq {
		dirs = append(dirs, dir)
		for p, op := range ops {
			if op.seq < seq && strings.HasPrefix(p, dir+"/") {
				delete(ops, p)
			}
		}
	}
	sort.Strings(dirs)
	return dirs, ops
}

// Apply executes a drained batch: directory deletions, then file deletions,
// then copies. Every path succeeds or fails on its own. The index is rebuilt
// exactly once afterwards, whatever happened to the individual paths.
func (e *Engine) Apply(ctx context.Context, batch []coalesce.Action) Result {
	start := time.Now()
	res := Result{Batch: uuid.NewString(), Actions: len(batch)}
	log := e.log.With(zap.String("batch", res.Batch))

	if e.Mirroring() {
		dirs, ops := plan(batch)
		var deletes, copies []string
		for p, op := range ops {
			if op.op == OpCopy {
				copies = append(copies, p)
			} else {
				deletes = append(deletes, p)
			}
		}
		sort.Strings(deletes)
		sort.Strings(copies)

		for _, dir := range dirs {
			n, err := e.removeDir(ctx, dir)
			res.Deleted += n
			ok := err == nil
			if !ok {
				res.Failed++
				log.Warn("mirror directory removal failed", zap.String("dir", dir), zap.Error(err))
			}
			res.Outcomes = append(res.Outcomes, Outcome{Op: OpDeleteDir, Path: dir, OK: ok})
		}
		for _, p := range deletes {
			ok := e.remove(p)
			if ok {
				res.Deleted++
			} else {
				res.Failed++
			}
			res.Outcomes = append(res.Outcomes, Outcome{Op: OpDelete, Path: p, OK: ok})
		}
		results := e.copyAll(ctx, e.opts.Copier, copies)
		for i, p := range copies {
			if results[i] {
				res.Copied++
			} else {
				res.Failed++
			}
			res.Outcomes = append(res.Outcomes, Outcome{Op: OpCopy, Path: p, OK: results[i]})
		}
	}

	if e.opts.Index != nil {
		res.IndexEntries, res.IndexErr = e.opts.Index.Rebuild(ctx)
		if res.IndexErr != nil {
			log.Error("index rebuild failed, previous document kept", zap.Error(res.IndexErr))
		}
	}

	res.Duration = time.Since(start)
	metrics.RecordBatch(res.Duration)
	log.Info("batch applied",
		zap.Int("actions", res.Actions),
		zap.Int("copied", res.Copied),
		zap.Int("deleted", res.Deleted),
		zap.Int("failed", res.Failed),
		zap.Int("index_entries", res.IndexEntries),
		zap.Duration("took", res.Duration))
	return res
}

// copyAll copies rel paths from the root into the mirror with bounded
// parallelism. Each path is written by at most one goroutine.
func (e *Engine) copyAll(ctx context.Context, c Copier, rels []string) []bool {
	results := make([]bool, len(rels))
	if len(rels) == 0 {
		return results
	}
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, rel := range rels {
		g.Go(func() error {
			ok := c.Copy(ctx, e.opts.Classifier.Abs(rel), e.mirrorPath(rel))
			metrics.RecordCopy(ok)
			results[i] = ok
			return nil
		})
	}
	g.Wait()
	return results
}

func (e *Engine) mirrorPath(rel string) string {
	return filepath.Join(e.opts.MirrorRoot, filepath.FromSlash(rel))
}

// remove deletes one mirror file. A file that is already gone counts as
// removed.
func (e *Engine) remove(rel string) bool {
	dst := e.mirrorPath(rel)
	err := os.Remove(dst)
	switch {
	case err == nil:
		metrics.RecordDelete()
		e.trimParents(filepath.Dir(dst))
		return true
	case errors.Is(err, fs.ErrNotExist):
		return true
	default:
		e.log.Warn("mirror delete failed", zap.String("path", rel), zap.Error(err))
		return false
	}
}

// removeDir retires a whole mirror sub-directory: tracked files first, then
// the directories left empty. Untracked files stay.
func (e *Engine) removeDir(ctx context.Context, rel string) (int, error) {
	base := e.mirrorPath(rel)
	removed := 0
	err := walk.Walk(ctx, base, walk.Options{MaxDepth: -1}, func(ent walk.Entry) error {
		if !trackedMirrorName(ent.Rel) {
			return nil
		}
		if err := os.Remove(ent.Abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.log.Warn("mirror delete failed", zap.String("path", path.Join(rel, ent.Rel)), zap.Error(err))
			return nil
		}
		metrics.RecordDelete()
		removed++
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return removed, err
	}
	removeEmptyDirs(base)
	e.trimParents(filepath.Dir(base))
	return removed, nil
}

// trimParents removes empty directories from dir upwards, stopping at the
// mirror root.
func (e *Engine) trimParents(dir string) {
	for dir != e.opts.MirrorRoot && strings.HasPrefix(dir, e.opts.MirrorRoot+string(filepath.Separator)) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// removeEmptyDirs removes dir and its sub-directories bottom-up when they
// hold no files. It reports whether dir itself is gone.
func removeEmptyDirs(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	empty := true
	for _, ent := range entries {
		if !ent.IsDir() || !removeEmptyDirs(filepath.Join(dir, ent.Name())) {
			empty = false
		}
	}
	return empty && os.Remove(dir) == nil
}

func trackedMirrorName(rel string) bool {
	name := path.Base(rel)
	return !strings.HasPrefix(name, ".") && classify.IsTrackedName(name)
}

// upToDate reports whether dst already matches src by size and mtime.
func upToDate(src, dst string) bool {
	s, err := os.Stat(src)
	if err != nil {
		return false
	}
	d, err := os.Stat(dst)
	if err != nil || !d.Mode().IsRegular() {
		return false
	}
	return s.Size() == d.Size() && s.ModTime().Equal(d.ModTime())
}

// InitialSync copies every tracked file of the watched root into the mirror.
// Files already matching by size and mtime are left alone. Failed copies are
// counted and heal on their next live event; only an unreadable root fails
// the pass.
func (e *Engine) InitialSync(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	rep := SyncReport{Batch: uuid.NewString()}
	if !e.Mirroring() {
		return rep, nil
	}

	var rels []string
	err := walk.Walk(ctx, e.opts.Root, e.walkOptions(), func(ent walk.Entry) error {
		if e.opts.Classifier.TrackedRel(ent.Rel) {
			rels = append(rels, ent.Rel)
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("walk %s: %w", e.opts.Root, err)
	}

	var todo []string
	for _, rel := range rels {
		if upToDate(e.opts.Classifier.Abs(rel), e.mirrorPath(rel)) {
			rep.Unchanged++
			continue
		}
		todo = append(todo, rel)
	}
	for _, ok := range e.copyAll(ctx, e.opts.BulkCopier, todo) {
		if ok {
			rep.Copied++
		} else {
			rep.Failed++
		}
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	rep.Duration = time.Since(start)
	e.log.Info("initial sync complete",
		zap.String("batch", rep.Batch),
		zap.Int("copied", rep.Copied),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", rep.Duration))
	return rep, nil
}

// Prune removes mirror entries whose source is no longer tracked under the
// watched root. It returns the number of files removed.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	if !e.Mirroring() {
		return 0, nil
	}

	// The source scan ignores MaxDepth and must see every directory: a
	// partial view would prune mirror files whose source still exists.
	var skipped []string
	opts := e.walkOptions()
	opts.MaxDepth = -1
	opts.OnSkip = func(rel string, err error) {
		e.log.Warn("unreadable directory during prune scan", zap.String("dir", rel), zap.Error(err))
		skipped = append(skipped, rel)
	}
	tracked := make(map[string]bool)
	err := walk.Walk(ctx, e.opts.Root, opts, func(ent walk.Entry) error {
		if e.opts.Classifier.TrackedRel(ent.Rel) {
			tracked[ent.Rel] = true
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", e.opts.Root, err)
	}
	if len(skipped) > 0 {
		return 0, fmt.Errorf("%w: %d unreadable directories under %s (first %q)", ErrIncompleteScan, len(skipped), e.opts.Root, skipped[0])
	}

	var stale []string
	err = walk.Walk(ctx, e.opts.MirrorRoot, walk.Options{MaxDepth: -1}, func(ent walk.Entry) error {
		if trackedMirrorName(ent.Rel) && !tracked[ent.Rel] {
			stale = append(stale, ent.Rel)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("walk mirror %s: %w", e.opts.MirrorRoot, err)
	}

	removed := 0
	for _, rel := range stale {
		if e.remove(rel) {
			removed++
		}
	}
	e.log.Info("prune complete", zap.Int("removed", removed), zap.Int("stale", len(stale)))
	return removed, nil
}

func (e *Engine) walkOptions() walk.Options {
	return walk.Options{
		MaxDepth: e.opts.MaxDepth,
		Descend:  e.opts.Classifier.ShouldDescend,
		OnSkip: func(rel string, err error) {
			e.log.Debug("skipping unreadable directory", zap.String("dir", rel), zap.Error(err))
		},
	}
}
