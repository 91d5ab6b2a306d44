package coalesce

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/logging"
	"github.com/screenager/mdmirror/internal/metrics"
)

// DefaultDelay absorbs typical editor save sequences (write, rename, touch).
const DefaultDelay = 500 * time.Millisecond

// FlushFunc receives a drained batch, ordered by Seq. Calls never overlap.
type FlushFunc func(batch []Action)

// Coalescer buffers per-path actions behind one shared debounce timer.
type Coalescer struct {
	classifier *classify.Classifier
	delay      time.Duration
	flush      FlushFunc
	log        *zap.Logger

	mu      sync.Mutex
	pending map[string]Action
	timer   *time.Timer
	gen     uint64 // bumped on every accepted event; a timer only drains its own generation
	seq     uint64
	stopped bool

	runMu    sync.Mutex // serializes flushes
	inflight sync.WaitGroup
}

// New creates a Coalescer that filters events through c and hands settled
// batches to flush.
func New(c *classify.Classifier, delay time.Duration, flush FlushFunc, log *zap.Logger) *Coalescer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Coalescer{
		classifier: c,
		delay:      delay,
		flush:      flush,
		log:        logging.OrNop(log),
		pending:    make(map[string]Action),
	}
}

// Add ingests one raw event. It only touches memory and rearms the timer, so
// it is safe to call from the notification goroutine. It reports whether the
// event was relevant.
func (c *Coalescer) Add(ev RawEvent) bool {
	a, ok := c.toAction(ev)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.seq++
	a.Seq = c.seq
	c.put(a)
	c.rearm()

	metrics.RecordRawEvent(ev.Kind.String())
	c.log.Debug("event", zap.Stringer("action", a), zap.Int("pending", len(c.pending)))
	return true
}

// toAction applies the tracked-file predicate and maps moves onto the
// action that matters for the mirror.
func (c *Coalescer) toAction(ev RawEvent) (Action, bool) {
	switch {
	case ev.Kind == Moved:
		src, srcOK := c.classifier.Tracked(ev.Path)
		dst, dstOK := c.classifier.Tracked(ev.Dest)
		switch {
		case srcOK && dstOK && src == dst:
			return Action{Kind: Modified, Path: src}, true
		case srcOK && dstOK:
			return Action{Kind: Moved, Path: src, Dest: dst}, true
		case dstOK:
			return Action{Kind: Created, Path: dst}, true
		case srcOK:
			return Action{Kind: Deleted, Path: src}, true
		}
		return Action{}, false

	case ev.Kind == Deleted && ev.Dir:
		rel, ok := c.classifier.Rel(ev.Path)
		if !ok || rel == "." || !c.classifier.ShouldDescend(rel) {
			return Action{}, false
		}
		return Action{Kind: Deleted, Path: rel, Dir: true}, true

	case ev.Kind == Created || ev.Kind == Modified || ev.Kind == Deleted:
		rel, ok := c.classifier.Tracked(ev.Path)
		if !ok {
			return Action{}, false
		}
		return Action{Kind: ev.Kind, Path: rel}, true
	}
	return Action{}, false
}

// put stores a under its path. Caller holds mu.
func (c *Coalescer) put(a Action) {
	prev, ok := c.pending[a.Path]
	// A pending move that gets overwritten still owes its destination a copy.
	if ok && prev.Kind == Moved && !(a.Kind == Moved && a.Dest == prev.Dest) {
		dest, busy := c.pending[prev.Dest]
		switch {
		case !busy:
			c.pending[prev.Dest] = Action{Kind: Created, Path: prev.Dest, Seq: prev.Seq}
		case dest.Kind == Deleted && !dest.Dir && dest.Seq < prev.Seq:
			// The move recreated the destination after its delete.
			c.pending[prev.Dest] = Action{Kind: Modified, Path: prev.Dest, Seq: prev.Seq}
		}
	}
	c.pending[a.Path] = merge(prev, ok, a)
}

// rearm cancels the live timer and schedules a new one. Caller holds mu.
func (c *Coalescer) rearm() {
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.delay, func() { c.fire(gen) })
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		// A newer event arrived while this callback waited; its timer owns the drain.
		c.mu.Unlock()
		return
	}
	batch := c.take()
	c.mu.Unlock()

	c.run(batch)
}

// Flush drains the pending map now, without waiting for the timer. It
// returns the number of actions handed to the flush func.
func (c *Coalescer) Flush() int {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	batch := c.take()
	c.mu.Unlock()

	c.run(batch)
	return len(batch)
}

// take swaps out the pending map and orders it by Seq. Caller holds mu.
func (c *Coalescer) take() []Action {
	if len(c.pending) == 0 {
		return nil
	}
	batch := make([]Action, 0, len(c.pending))
	for _, a := range c.pending {
		batch = append(batch, a)
	}
	c.pending = make(map[string]Action)
	sort.Slice(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
	return batch
}

func (c *Coalescer) run(batch []Action) {
	if len(batch) == 0 || c.flush == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("flush panicked", zap.Any("panic", r), zap.Int("actions", len(batch)))
		}
	}()
	c.flush(batch)
}

// Len returns the number of pending actions.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels the timer, waits for an in-flight flush, and drains whatever
// is still pending so no accepted change is lost. Later Adds are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	c.inflight.Wait()
	if n := c.Flush(); n > 0 {
		c.log.Debug("drained pending actions on stop", zap.Int("actions", n))
	}
}
