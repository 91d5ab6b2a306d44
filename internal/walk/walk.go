// Package walk enumerates regular files under a root, pruning excluded
// directories before they are opened. Slow mounts (WSL drives, network
// shares) make filter-after-enumerate far too expensive.
package walk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// Entry is a regular file found by Walk.
type Entry struct {
	Rel string // slash-separated, relative to the root
	Abs string
}

// Options controls a walk.
type Options struct {
	// MaxDepth limits recursion. The root is depth 0; files of a directory
	// at depth d are visited when d <= MaxDepth. Negative means unlimited.
	MaxDepth int
	// Descend is consulted for every sub-directory (slash-separated rel path)
	// before it is opened. Nil descends everywhere.
	Descend func(rel string) bool
	// OnSkip is told about sub-directories that could not be read. Nil
	// drops them silently.
	OnSkip func(rel string, err error)
}

// Walk calls visit for every regular file under root, in lexical order per
// directory. An unreadable root is an error. Sub-directories that vanished or
// are not readable are reported to OnSkip and skipped; any other read error
// aborts the walk. ctx is checked before every directory.
func Walk(ctx context.Context, root string, opts Options, visit func(Entry) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", root, err)
	}
	return walkDir(ctx, root, "", 0, entries, opts, visit)
}

func walkDir(ctx context.Context, absDir, relDir string, depth int, entries []os.DirEntry, opts Options, visit func(Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		rel := name
		if relDir != "" {
			rel = path.Join(relDir, name)
		}
		full := filepath.Join(absDir, name)

		if entry.IsDir() {
			if opts.MaxDepth >= 0 && depth+1 > opts.MaxDepth {
				continue
			}
			if opts.Descend != nil && !opts.Descend(rel) {
				continue
			}
			children, err := os.ReadDir(full)
			if err != nil {
				if !IsSkippable(err) {
					return fmt.Errorf("readdir %s: %w", full, err)
				}
				if opts.OnSkip != nil {
					opts.OnSkip(rel, err)
				}
				continue
			}
			if err := walkDir(ctx, full, rel, depth+1, children, opts, visit); err != nil {
				return err
			}
			continue
		}
		if !isRegular(entry, full) {
			continue
		}
		if err := visit(Entry{Rel: rel, Abs: full}); err != nil {
			return err
		}
	}
	return nil
}

// isRegular accepts regular files and symlinks to regular files. Symlinked
// directories are never followed.
func isRegular(entry os.DirEntry, full string) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// IsSkippable reports whether err is the kind of sub-directory failure a
// walk treats as "skip and keep going".
func IsSkippable(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}
