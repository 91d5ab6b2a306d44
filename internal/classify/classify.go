// Package classify decides which paths mdmirror tracks and which directories
// it descends into. It works on path strings only and never touches the disk
// after construction.
package classify

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// TrackedExtensions is the set of file extensions mdmirror mirrors and indexes.
var TrackedExtensions = map[string]bool{
	".md": true,
}

// DefaultSkipDirs are tooling directories that are never descended into.
var DefaultSkipDirs = []string{"__pycache__", "node_modules"}

// DefaultHiddenAllow is the prefix of hidden directories that are still walked.
const DefaultHiddenAllow = ".claude"

// Options controls classification.
type Options struct {
	// HiddenAllow is the prefix a dot-directory must start with to be walked.
	// Empty excludes every hidden directory.
	HiddenAllow string
	// SkipDirs are directory names that are always excluded, at any depth.
	SkipDirs []string
	// Exclude is an absolute directory (normally the mirror) that is excluded
	// together with everything beneath it. Ignored when outside the root.
	Exclude string
	// IgnoreFile is an optional gitignore-style pattern file.
	IgnoreFile string
}

// DefaultOptions returns the classification rules of a plain watch session.
func DefaultOptions() Options {
	return Options{
		HiddenAllow: DefaultHiddenAllow,
		SkipDirs:    append([]string(nil), DefaultSkipDirs...),
	}
}

// Classifier answers "is this tracked?" and "should the walk descend here?"
// for paths under a single root.
type Classifier struct {
	root        string
	hiddenAllow string
	skip        map[string]bool
	excludeRel  string // slash form, "" when nothing is excluded
	ign         *ignore.GitIgnore
}

// New builds a Classifier for root. root and opts.Exclude are made absolute.
func New(root string, opts Options) (*Classifier, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	c := &Classifier{
		root:        filepath.Clean(absRoot),
		hiddenAllow: opts.HiddenAllow,
		skip:        make(map[string]bool, len(opts.SkipDirs)),
	}
	for _, d := range opts.SkipDirs {
		if d = strings.TrimSpace(d); d != "" {
			c.skip[d] = true
		}
	}
	if opts.Exclude != "" {
		absEx, err := filepath.Abs(opts.Exclude)
		if err != nil {
			return nil, fmt.Errorf("resolve exclude %s: %w", opts.Exclude, err)
		}
		if rel, ok := c.Rel(absEx); ok && rel != "." {
			c.excludeRel = rel
		}
	}
	if opts.IgnoreFile != "" {
		ign, err := ignore.CompileIgnoreFile(opts.IgnoreFile)
		if err != nil {
			return nil, fmt.Errorf("load ignore file %s: %w", opts.IgnoreFile, err)
		}
		c.ign = ign
	}
	return c, nil
}

// Root returns the absolute root the classifier was built for.
func (c *Classifier) Root() string { return c.root }

// Rel converts an absolute path into its slash-separated form relative to the
// root. It reports false for paths outside the root.
func (c *Classifier) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(c.root, filepath.Clean(abs))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// Abs joins a slash-separated relative path onto the root.
func (c *Classifier) Abs(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

// IsTrackedName reports whether a bare file name carries a tracked extension.
func IsTrackedName(name string) bool {
	return TrackedExtensions[strings.ToLower(path.Ext(name))]
}

// Tracked reports whether abs is a tracked file and returns its relative path.
func (c *Classifier) Tracked(abs string) (string, bool) {
	rel, ok := c.Rel(abs)
	if !ok || !c.TrackedRel(rel) {
		return "", false
	}
	return rel, true
}

// TrackedRel reports whether the slash-separated relative path names a
// tracked file: the extension matches, the file is not hidden, and every
// parent directory is eligible for descent.
func (c *Classifier) TrackedRel(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	dir, name := path.Split(rel)
	if strings.HasPrefix(name, ".") || !IsTrackedName(name) {
		return false
	}
	if dir != "" && !c.ShouldDescend(strings.TrimSuffix(dir, "/")) {
		return false
	}
	if c.ign != nil && c.ign.MatchesPath(rel) {
		return false
	}
	return true
}

// ShouldDescend reports whether the directory at rel (slash form) may be
// walked. The root itself ("." or "") is always eligible.
func (c *Classifier) ShouldDescend(rel string) bool {
	if rel == "" || rel == "." {
		return true
	}
	if c.excludeRel != "" && (rel == c.excludeRel || strings.HasPrefix(rel, c.excludeRel+"/")) {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if !c.dirNameAllowed(part) {
			return false
		}
	}
	if c.ign != nil && (c.ign.MatchesPath(rel) || c.ign.MatchesPath(rel+"/")) {
		return false
	}
	return true
}

func (c *Classifier) dirNameAllowed(name string) bool {
	if c.skip[name] {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return c.hiddenAllow != "" && strings.HasPrefix(name, c.hiddenAllow)
	}
	return true
}
