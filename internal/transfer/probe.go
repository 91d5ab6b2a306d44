// Package transfer copies tracked files into the mirror without reading them
// while a writer still has them open.
package transfer

import (
	"context"
	"os"
	"time"
)

// DefaultSettle is how long Probe waits between its two size samples.
const DefaultSettle = 150 * time.Millisecond

// Prober decides whether a file is safe to read.
type Prober interface {
	Stable(ctx context.Context, path string) bool
}

// Probe samples a file's size twice, Settle apart. A file is stable when both
// samples succeed, both see a regular file and the sizes match.
type Probe struct {
	Settle time.Duration
}

// Stable implements Prober. I/O errors and cancellation read as "not stable".
func (p Probe) Stable(ctx context.Context, path string) bool {
	first, ok := regularSize(path)
	if !ok {
		return false
	}

	t := time.NewTimer(p.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}

	second, ok := regularSize(path)
	return ok && first == second
}

func regularSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}
