package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/coalesce"
	"github.com/screenager/mdmirror/internal/index"
	"github.com/screenager/mdmirror/internal/transfer"
)

// countingCopier wraps a real copier and records every call.
type countingCopier struct {
	inner *transfer.Copier
	mu    sync.Mutex
	calls map[string]int
}

func newCountingCopier() *countingCopier {
	return &countingCopier{
		inner: transfer.NewCopier(transfer.Options{Attempts: 2, Backoff: time.Millisecond, Settle: time.Millisecond}, nil, nil),
		calls: make(map[string]int),
	}
}

func (c *countingCopier) Copy(ctx context.Context, src, dst string) bool {
	c.mu.Lock()
	c.calls[filepath.Base(src)]++
	c.mu.Unlock()
	return c.inner.Copy(ctx, src, dst)
}

func (c *countingCopier) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

type countingIndex struct {
	inner   *index.Builder
	rebuilt int
}

func (c *countingIndex) Rebuild(ctx context.Context) (int, error) {
	c.rebuilt++
	if c.inner == nil {
		return 0, nil
	}
	return c.inner.Rebuild(ctx)
}

type fixture struct {
	root, mirror string
	engine       *Engine
	copier       *countingCopier
	idx          *countingIndex
	builder      *index.Builder
}

// newFixture builds an engine whose index is derived from the mirror.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		root:   filepath.Join(base, "src"),
		mirror: filepath.Join(base, "mirror"),
		copier: newCountingCopier(),
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		t.Fatal(err)
	}

	opts := classify.DefaultOptions()
	opts.Exclude = f.mirror
	cl, err := classify.New(f.root, opts)
	if err != nil {
		t.Fatal(err)
	}
	mcl, err := classify.New(f.mirror, classify.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	f.builder, err = index.NewBuilder(index.Options{
		Root:       f.mirror,
		Output:     filepath.Join(base, "files.json"),
		Classifier: mcl,
		MaxDepth:   -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.idx = &countingIndex{inner: f.builder}

	f.engine, err = New(Options{
		MirrorRoot: f.mirror,
		Classifier: cl,
		Copier:     f.copier,
		Index:      f.idx,
		MaxDepth:   -1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) mirrored(t *testing.T, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.mirror, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data), true
}

func (f *fixture) indexed(t *testing.T) []string {
	t.Helper()
	paths, err := index.Read(f.builder.Output())
	if err != nil {
		t.Fatal(err)
	}
	return paths
}

func TestPlanHighestSeqWins(t *testing.T) {
	dirs, ops := plan([]coalesce.Action{
		{Kind: coalesce.Moved, Path: "a.md", Dest: "b.md", Seq: 1},
		{Kind: coalesce.Deleted, Path: "b.md", Seq: 2},
		{Kind: coalesce.Created, Path: "c.md", Seq: 3},
		{Kind: coalesce.Modified, Path: "old/x.md", Seq: 4},
		{Kind: coalesce.Deleted, Path: "old", Dir: true, Seq: 5},
		{Kind: coalesce.Created, Path: "old/y.md", Seq: 6},
	})
	if diff := cmp.Diff([]string{"old"}, dirs); diff != "" {
		t.Errorf("dirs (-want +got):\n%s", diff)
	}
	got := make(map[string]Op, len(ops))
	for p, op := range ops {
		got[p] = op.op
	}
	want := map[string]Op{
		"a.md":     OpDelete,
		"b.md":     OpDelete,
		"c.md":     OpCopy,
		"old/y.md": OpCopy,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/x.md", "# x")
	batch := []coalesce.Action{{Kind: coalesce.Modified, Path: "a/x.md", Seq: 1}}

	first := f.engine.Apply(context.Background(), batch)
	doc1, _ := os.ReadFile(f.builder.Output())
	second := f.engine.Apply(context.Background(), batch)
	doc2, _ := os.ReadFile(f.builder.Output())

	if first.Copied != 1 || second.Copied != 1 || second.Failed != 0 {
		t.Errorf("results = %+v / %+v", first, second)
	}
	if got, ok := f.mirrored(t, "a/x.md"); !ok || got != "# x" {
		t.Errorf("mirror a/x.md = %q, %v", got, ok)
	}
	if string(doc1) != string(doc2) {
		t.Errorf("index changed between identical passes:\n%s\n%s", doc1, doc2)
	}
	if first.Batch == "" || first.Batch == second.Batch {
		t.Errorf("batch ids %q, %q must be set and distinct", first.Batch, second.Batch)
	}
}

func TestApplyMove(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.md", "content of a")
	f.engine.Apply(context.Background(), []coalesce.Action{{Kind: coalesce.Created, Path: "a.md", Seq: 1}})

	if err := os.MkdirAll(filepath.Join(f.root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(filepath.Join(f.root, "a.md"), filepath.Join(f.root, "sub", "b.md")); err != nil {
		t.Fatal(err)
	}

	res := f.engine.Apply(context.Background(), []coalesce.Action{
		{Kind: coalesce.Moved, Path: "a.md", Dest: "sub/b.md", Seq: 2},
	})
	if res.Copied != 1 || res.Deleted != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := f.mirrored(t, "a.md"); ok {
		t.Error("a.md still mirrored after move")
	}
	if got, ok := f.mirrored(t, "sub/b.md"); !ok || got != "content of a" {
		t.Errorf("mirror sub/b.md = %q, %v", got, ok)
	}
	if diff := cmp.Diff([]string{"sub/b.md"}, f.indexed(t)); diff != "" {
		t.Errorf("index (-want +got):\n%s", diff)
	}
}

func TestApplyDeleteMissingIsFine(t *testing.T) {
	f := newFixture(t)
	res := f.engine.Apply(context.Background(), []coalesce.Action{{Kind: coalesce.Deleted, Path: "never.md", Seq: 1}})
	if res.Failed != 0 {
		t.Errorf("deleting an absent mirror entry failed: %+v", res)
	}
}

func TestApplyDirDeletion(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/a.md", "a")
	f.write(t, "docs/deep/b.md", "b")
	f.write(t, "keep.md", "k")
	if _, err := f.engine.InitialSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(f.root, "docs")); err != nil {
		t.Fatal(err)
	}

	res := f.engine.Apply(context.Background(), []coalesce.Action{{Kind: coalesce.Deleted, Path: "docs", Dir: true, Seq: 1}})
	if res.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", res.Deleted)
	}
	if _, err := os.Stat(filepath.Join(f.mirror, "docs")); !os.IsNotExist(err) {
		t.Errorf("mirror docs/ should be gone, stat err = %v", err)
	}
	if diff := cmp.Diff([]string{"keep.md"}, f.indexed(t)); diff != "" {
		t.Errorf("index (-want +got):\n%s", diff)
	}
}

func TestApplyFailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.write(t, "ok.md", "fine")

	res := f.engine.Apply(context.Background(), []coalesce.Action{
		{Kind: coalesce.Created, Path: "gone.md", Seq: 1},
		{Kind: coalesce.Created, Path: "ok.md", Seq: 2},
	})
	if res.Copied != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want one copy and one failure", res)
	}
	if f.idx.rebuilt != 1 {
		t.Errorf("index rebuilt %d times, want 1", f.idx.rebuilt)
	}
	if diff := cmp.Diff([]string{"ok.md"}, f.indexed(t)); diff != "" {
		t.Errorf("index (-want +got):\n%s", diff)
	}
}

func TestApplyOneRebuildPerBatch(t *testing.T) {
	f := newFixture(t)
	var batch []coalesce.Action
	for i, name := range []string{"a.md", "b.md", "c.md", "d/e.md"} {
		f.write(t, name, name)
		batch = append(batch, coalesce.Action{Kind: coalesce.Created, Path: name, Seq: uint64(i + 1)})
	}
	res := f.engine.Apply(context.Background(), batch)
	if res.Copied != 4 {
		t.Errorf("copied = %d, want 4", res.Copied)
	}
	if f.idx.rebuilt != 1 {
		t.Errorf("index rebuilt %d times, want 1", f.idx.rebuilt)
	}
	if res.IndexEntries != 4 {
		t.Errorf("index entries = %d, want 4", res.IndexEntries)
	}
}

func TestApplyWithoutMirrorOnlyRebuilds(t *testing.T) {
	root := t.TempDir()
	cl, err := classify.New(root, classify.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	idx := &countingIndex{}
	e, err := New(Options{Classifier: cl, Index: idx, MaxDepth: -1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := e.Apply(context.Background(), []coalesce.Action{{Kind: coalesce.Created, Path: "a.md", Seq: 1}})
	if res.Copied != 0 || idx.rebuilt != 1 {
		t.Errorf("result = %+v, rebuilt = %d", res, idx.rebuilt)
	}
	rep, err := e.InitialSync(context.Background())
	if err != nil || rep.Copied != 0 {
		t.Errorf("InitialSync = %+v, %v", rep, err)
	}
}

func TestInitialSyncAndPrune(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/x.md", "x")
	f.write(t, ".hidden/y.md", "y")
	f.write(t, "a/z.txt", "z")

	// Stale entries from an earlier session.
	for _, rel := range []string{"old.md", "a/removed.md", "notes.txt"} {
		p := filepath.Join(f.mirror, filepath.FromSlash(rel))
		os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte("stale"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := f.engine.InitialSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Copied != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}

	removed, err := f.engine.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("pruned %d, want 2", removed)
	}
	if _, ok := f.mirrored(t, "notes.txt"); !ok {
		t.Error("prune must leave untracked files alone")
	}
	for _, rel := range []string{"old.md", "a/removed.md", ".hidden/y.md", "a/z.txt"} {
		if _, ok := f.mirrored(t, rel); ok {
			t.Errorf("%s should not be in the mirror", rel)
		}
	}

	again, err := f.engine.InitialSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Copied != 0 || again.Unchanged != 1 {
		t.Errorf("second sync = %+v, want everything unchanged", again)
	}
}

func (f *fixture) seedMirror(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.mirror, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPruneIgnoresMaxDepth(t *testing.T) {
	f := newFixture(t)
	f.engine.opts.MaxDepth = 1
	f.write(t, "a/b/deep.md", "deep")
	f.seedMirror(t, "a/b/deep.md", "deep")
	f.seedMirror(t, "old.md", "stale")

	removed, err := f.engine.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("pruned %d, want 1", removed)
	}
	if _, ok := f.mirrored(t, "a/b/deep.md"); !ok {
		t.Error("a mirror file whose source sits below max depth was pruned")
	}
	if _, ok := f.mirrored(t, "old.md"); ok {
		t.Error("old.md has no source and should be pruned")
	}
}

func TestPruneAbortsOnUnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	f := newFixture(t)
	f.write(t, "locked/x.md", "x")
	f.seedMirror(t, "locked/x.md", "x")
	f.seedMirror(t, "old.md", "stale")

	locked := filepath.Join(f.root, "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	removed, err := f.engine.Prune(context.Background())
	if !errors.Is(err, ErrIncompleteScan) {
		t.Fatalf("Prune err = %v, want ErrIncompleteScan", err)
	}
	if removed != 0 {
		t.Errorf("pruned %d, want 0", removed)
	}
	for _, rel := range []string{"locked/x.md", "old.md"} {
		if _, ok := f.mirrored(t, rel); !ok {
			t.Errorf("%s was removed by an incomplete prune", rel)
		}
	}
}

func TestInitialSyncMissingRoot(t *testing.T) {
	f := newFixture(t)
	if err := os.RemoveAll(f.root); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.InitialSync(context.Background()); err == nil {
		t.Error("InitialSync of a missing root must fail")
	}
}

// TestEndToEnd drives the coalescer into the engine: the initial pass mirrors
// only the tracked file, then a create followed by two quick modifications
// costs one copy and one index rebuild.
func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/x.md", "x")
	f.write(t, ".hidden/y.md", "y")
	f.write(t, "a/z.txt", "z")

	ctx := context.Background()
	if _, err := f.engine.InitialSync(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.builder.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a/x.md"}, f.indexed(t)); diff != "" {
		t.Fatalf("initial index (-want +got):\n%s", diff)
	}

	cl, err := classify.New(f.root, classify.Options{HiddenAllow: classify.DefaultHiddenAllow, Exclude: f.mirror})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan Result, 1)
	c := coalesce.New(cl, 50*time.Millisecond, func(batch []coalesce.Action) {
		done <- f.engine.Apply(ctx, batch)
	}, nil)
	defer c.Stop()

	copiesBefore := f.copier.total()
	rebuildsBefore := f.idx.rebuilt

	w := filepath.Join(f.root, "a", "w.md")
	f.write(t, "a/w.md", "one")
	c.Add(coalesce.RawEvent{Kind: coalesce.Created, Path: w})
	f.write(t, "a/w.md", "two")
	c.Add(coalesce.RawEvent{Kind: coalesce.Modified, Path: w})
	f.write(t, "a/w.md", "three")
	c.Add(coalesce.RawEvent{Kind: coalesce.Modified, Path: w})

	select {
	case res := <-done:
		if res.Copied != 1 {
			t.Errorf("copied = %d, want 1", res.Copied)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch never applied")
	}

	if n := f.copier.total() - copiesBefore; n != 1 {
		t.Errorf("copier called %d times, want 1", n)
	}
	if n := f.idx.rebuilt - rebuildsBefore; n != 1 {
		t.Errorf("index rebuilt %d times, want 1", n)
	}
	if got, _ := f.mirrored(t, "a/w.md"); got != "three" {
		t.Errorf("mirror a/w.md = %q, want final content", got)
	}
	if diff := cmp.Diff([]string{"a/w.md", "a/x.md"}, f.indexed(t)); diff != "" {
		t.Errorf("index (-want +got):\n%s", diff)
	}
}
