package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"go.uber.org/zap"

	"github.com/screenager/mdmirror/internal/logging"
)

var (
	errUnstable = errors.New("file is still being written")
	errChanged  = errors.New("source changed during copy")
)

// Options controls copy retries.
type Options struct {
	// InitialDelay is waited once before the first attempt so a write that
	// triggered the event has a chance to finish.
	InitialDelay time.Duration
	// Attempts is the maximum number of copy attempts.
	Attempts int
	// Backoff is the first retry delay; it doubles on every retry.
	Backoff time.Duration
	// Settle is the stability probe interval.
	Settle time.Duration
}

// DefaultOptions returns the retry budget used by watch sessions.
func DefaultOptions() Options {
	return Options{
		InitialDelay: 100 * time.Millisecond,
		Attempts:     5,
		Backoff:      100 * time.Millisecond,
		Settle:       DefaultSettle,
	}
}

// Copier copies a single file with bounded retries. It never returns an
// error: a file that cannot be copied now fires another event once its
// writer closes it.
type Copier struct {
	opts  Options
	probe Prober
	log   *zap.Logger
}

// NewCopier creates a Copier. probe may be nil, in which case a size-sampling
// Probe with opts.Settle is used.
func NewCopier(opts Options, probe Prober, log *zap.Logger) *Copier {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if probe == nil {
		probe = Probe{Settle: opts.Settle}
	}
	return &Copier{opts: opts, probe: probe, log: logging.OrNop(log)}
}

// Copy copies src to dst, creating parent directories and preserving the
// mode and modification time. It reports whether the copy landed.
func (c *Copier) Copy(ctx context.Context, src, dst string) bool {
	if c.opts.InitialDelay > 0 {
		t := time.NewTimer(c.opts.InitialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}

	retryer := retry.New[struct{}](retry.Config{
		MaxAttempts:   c.opts.Attempts,
		InitialDelay:  c.opts.Backoff,
		BackoffPolicy: retry.BackoffExponential,
	})

	attempt := 0
	_, err := retryer.Do(ctx, func(ctx context.Context) (struct{}, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		if _, err := os.Stat(src); err != nil {
			c.log.Debug("source not available", zap.String("src", src), zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}
		if !c.probe.Stable(ctx, src) {
			c.log.Debug("source unstable, backing off", zap.String("src", src), zap.Int("attempt", attempt))
			return struct{}{}, errUnstable
		}
		if err := copyFile(src, dst); err != nil {
			c.log.Debug("copy attempt failed", zap.String("src", src), zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		c.log.Warn("copy failed",
			zap.String("src", src),
			zap.String("dst", dst),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return false
	}
	return true
}

// copyFile writes src into a temporary file next to dst, applies mode and
// mtime, then renames it over dst so readers of the mirror never see a
// half-written file.
func copyFile(src, dst string) (err error) {
	before, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !before.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	out, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmp := out.Name()
	defer func() {
		if tmp != "" {
			out.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	// Keep the user-write bit so the next sync can replace the file.
	if err := out.Chmod(before.Mode().Perm() | 0o200); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	// Close before Chtimes: flushing may touch the mtime.
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	after, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return errChanged
	}

	mtime := before.ModTime()
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		return fmt.Errorf("chtimes %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	tmp = ""
	return nil
}
