package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/screenager/mdmirror/internal/classify"
)

func writeFiles(t *testing.T, root string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(rel), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newBuilder(t *testing.T, root string, opts classify.Options, maxDepth int) *Builder {
	t.Helper()
	c, err := classify.New(root, opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(Options{
		Root:       root,
		Output:     filepath.Join(t.TempDir(), "files.json"),
		Classifier: c,
		MaxDepth:   maxDepth,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBuildCompleteAndSorted(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"zeta.md", "a/x.md", "a/z.txt", "a/B.MD", ".hidden/y.md",
		".claude/plan.md", "node_modules/pkg/readme.md", "deep/er/still.md", ".dot.md",
	)

	b := newBuilder(t, root, classify.DefaultOptions(), -1)
	got, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{".claude/plan.md", "a/B.MD", "a/x.md", "deep/er/still.md", "zeta.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Build mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "top.md", "a/one.md", "a/b/two.md")

	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{"top.md"}},
		{1, []string{"a/one.md", "top.md"}},
		{-1, []string{"a/b/two.md", "a/one.md", "top.md"}},
	}
	for _, tt := range tests {
		got, err := newBuilder(t, root, classify.DefaultOptions(), tt.depth).Build(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("depth %d (-want +got):\n%s", tt.depth, diff)
		}
	}
}

func TestBuildExcludesNestedMirror(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.md", "md/a.md", "md/sub/b.md")

	opts := classify.DefaultOptions()
	opts.Exclude = filepath.Join(root, "md")
	got, err := newBuilder(t, root, opts, -1).Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.md"}, got); diff != "" {
		t.Errorf("Build mismatch (-want +got):\n%s", diff)
	}
}

func TestRebuildEmptyTreeWritesEmptyArray(t *testing.T) {
	b := newBuilder(t, t.TempDir(), classify.DefaultOptions(), -1)
	n, err := b.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	data, err := os.ReadFile(b.Output())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "[]" {
		t.Errorf("document = %q, want []", got)
	}
}

func TestRebuildFormat(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "b.md", "a&b/<x>.md")

	b := newBuilder(t, root, classify.DefaultOptions(), -1)
	if _, err := b.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(b.Output())
	if err != nil {
		t.Fatal(err)
	}
	want := "[\n  \"a&b/<x>.md\",\n  \"b.md\"\n]\n"
	if string(data) != want {
		t.Errorf("document =\n%s\nwant\n%s", data, want)
	}

	got, err := Read(b.Output())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a&b/<x>.md", "b.md"}, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}

	st := b.Stats()
	if st.Entries != 2 || st.LastWritten.IsZero() || st.LastError != nil {
		t.Errorf("Stats = %+v", st)
	}
}

// TestRebuildFailureKeepsPreviousDocument fails the final rename and checks
// the previous document survives intact with no temp file left behind.
func TestRebuildFailureKeepsPreviousDocument(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.md")

	b := newBuilder(t, root, classify.DefaultOptions(), -1)
	if _, err := b.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(b.Output())
	if err != nil {
		t.Fatal(err)
	}

	writeFiles(t, root, "b.md")
	injected := errors.New("disk full")
	b.rename = func(string, string) error { return injected }
	if _, err := b.Rebuild(context.Background()); !errors.Is(err, injected) {
		t.Fatalf("Rebuild err = %v, want %v", err, injected)
	}

	after, err := os.ReadFile(b.Output())
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Errorf("document changed after failed rebuild:\n%s", after)
	}
	if _, err := Read(b.Output()); err != nil {
		t.Errorf("previous document not parseable: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(b.Output()))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if st := b.Stats(); st.LastError == nil || st.Entries != 1 {
		t.Errorf("Stats = %+v, want previous entries and the last error", st)
	}

	b.rename = os.Rename
	if n, err := b.Rebuild(context.Background()); err != nil || n != 2 {
		t.Errorf("retry Rebuild = %d, %v; want 2, nil", n, err)
	}
}

func TestRebuildMissingRootKeepsDocument(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.md")
	b := newBuilder(t, root, classify.DefaultOptions(), -1)
	if _, err := b.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Rebuild(context.Background()); err == nil {
		t.Fatal("rebuild of a missing root must fail")
	}
	got, err := Read(b.Output())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.md"}, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCorrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "files.json")
	if err := os.WriteFile(p, []byte("[\"a.md\","), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(p); err == nil {
		t.Error("Read of a truncated document must fail")
	}
}
