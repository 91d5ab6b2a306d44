package walk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeTree creates every file in files (slash paths) under root.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func collect(t *testing.T, root string, opts Options) []string {
	t.Helper()
	var seen []string
	err := Walk(context.Background(), root, opts, func(e Entry) error {
		if want := filepath.Join(root, filepath.FromSlash(e.Rel)); e.Abs != want {
			t.Errorf("entry %q: Abs = %q, want %q", e.Rel, e.Abs, want)
		}
		seen = append(seen, e.Rel)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	return seen
}

func TestWalkPrunesBeforeOpening(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a/x.md", "a/z.txt", ".hidden/y.md", "b/c/d.md", "top.md")

	var asked []string
	got := collect(t, root, Options{
		MaxDepth: -1,
		Descend: func(rel string) bool {
			asked = append(asked, rel)
			return !strings.HasPrefix(rel, ".")
		},
	})
	want := []string{"a/x.md", "a/z.txt", "b/c/d.md", "top.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("walk mismatch (-want +got):\n%s", diff)
	}
	for _, rel := range asked {
		if strings.HasPrefix(rel, ".hidden/") {
			t.Errorf("descended into pruned directory child %q", rel)
		}
	}
}

func TestWalkMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "r.md", "one/a.md", "one/two/b.md", "one/two/three/c.md")

	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{"r.md"}},
		{1, []string{"one/a.md", "r.md"}},
		{2, []string{"one/a.md", "one/two/b.md", "r.md"}},
		{-1, []string{"one/a.md", "one/two/b.md", "one/two/three/c.md", "r.md"}},
	}
	for _, tt := range tests {
		got := collect(t, root, Options{MaxDepth: tt.depth})
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("depth %d (-want +got):\n%s", tt.depth, diff)
		}
	}
}

func TestWalkMissingRoot(t *testing.T) {
	err := Walk(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{MaxDepth: -1}, func(Entry) error { return nil })
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestWalkContextCancel(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.md", "b.md", "c.md")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called int
	err := Walk(ctx, root, Options{MaxDepth: -1}, func(Entry) error {
		called++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called != 0 {
		t.Errorf("expected no visits after cancel, got %d", called)
	}
}

func TestWalkVisitErrorStops(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.md", "b.md")
	stop := errors.New("stop")
	var called int
	err := Walk(context.Background(), root, Options{MaxDepth: -1}, func(Entry) error {
		called++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected visit error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 visit, got %d", called)
	}
}

func TestWalkSymlinkToFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "real.md")
	if err := os.Symlink(filepath.Join(root, "real.md"), filepath.Join(root, "link.md")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	got := collect(t, root, Options{MaxDepth: -1})
	want := []string{"link.md", "real.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
