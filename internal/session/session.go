// Package session owns a watch session: the start-up pass (initial sync,
// optional prune, initial index) followed by live event-driven mirroring.
// The watcher, the debounce timer and the optional HTTP server are acquired
// together in Run and released together when its context ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/coalesce"
	"github.com/screenager/mdmirror/internal/index"
	"github.com/screenager/mdmirror/internal/logging"
	"github.com/screenager/mdmirror/internal/mirror"
	"github.com/screenager/mdmirror/internal/server"
	"github.com/screenager/mdmirror/internal/transfer"
	"github.com/screenager/mdmirror/internal/watcher"
)

var (
	// ErrRootMissing means the watched directory does not exist or is not a
	// directory. It is the only fatal start-up condition.
	ErrRootMissing = errors.New("watched directory does not exist")
	// ErrMirrorIsRoot means the mirror would contain the watched tree.
	ErrMirrorIsRoot = errors.New("mirror must not be the watched directory or one of its ancestors")
)

// Index sources.
const (
	SourceWatch  = "watch"
	SourceMirror = "mirror"
)

// State is a session phase.
type State int

const (
	Initializing State = iota
	InitialSync
	InitialPrune
	InitialIndex
	Live
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case InitialSync:
		return "initial sync"
	case InitialPrune:
		return "initial prune"
	case InitialIndex:
		return "initial index"
	case Live:
		return "live"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a session.
type Options struct {
	Root       string
	MirrorRoot string // empty disables mirroring
	Output     string
	// IndexSource is SourceWatch or SourceMirror. Empty picks the mirror
	// when mirroring and the watched tree otherwise.
	IndexSource string
	MaxDepth    int
	Prune       bool
	Debounce    time.Duration
	Copy        transfer.Options
	// Classify carries the visibility rules. Exclude is set by the session.
	Classify classify.Options
	// Addr enables the HTTP server when non-empty.
	Addr string
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	State        State
	Root         string
	MirrorRoot   string
	IndexRoot    string
	Output       string
	Synced       mirror.SyncReport
	Pruned       int
	Batches      int
	Copied       int
	Deleted      int
	Failed       int
	Pending      int
	IndexEntries int
	LastRebuild  time.Time
	LastIndexErr error
}

// Activity is one mirror operation, published for the dashboard.
type Activity struct {
	Time  time.Time
	Batch string
	Op    mirror.Op
	Path  string
	OK    bool
}

// Session is a configured watch session.
type Session struct {
	opts       Options
	log        *zap.Logger
	classifier *classify.Classifier
	indexFiles *classify.Classifier
	engine     *mirror.Engine
	builder    *index.Builder

	mu       sync.RWMutex
	status   Status
	pending  func() int
	activity chan Activity
}

// New validates opts and wires the pipeline. Nothing is watched until Run.
func New(opts Options, log *zap.Logger) (*Session, error) {
	log = logging.OrNop(log)

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", opts.Root, err)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}
	opts.Root = root

	if opts.MirrorRoot != "" {
		m, err := filepath.Abs(opts.MirrorRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve mirror %s: %w", opts.MirrorRoot, err)
		}
		if m == root || strings.HasPrefix(root, m+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: %s", ErrMirrorIsRoot, m)
		}
		opts.MirrorRoot = m
	}

	switch opts.IndexSource {
	case "":
		opts.IndexSource = SourceWatch
		if opts.MirrorRoot != "" {
			opts.IndexSource = SourceMirror
		}
	case SourceWatch:
	case SourceMirror:
		if opts.MirrorRoot == "" {
			return nil, errors.New("index source \"mirror\" needs a mirror directory")
		}
	default:
		return nil, fmt.Errorf("unknown index source %q", opts.IndexSource)
	}
	if opts.Output == "" {
		opts.Output = index.DefaultOutput
	}
	if opts.Debounce <= 0 {
		opts.Debounce = coalesce.DefaultDelay
	}

	copts := opts.Classify
	copts.Exclude = opts.MirrorRoot
	cl, err := classify.New(root, copts)
	if err != nil {
		return nil, err
	}

	indexRoot, indexFiles := root, cl
	if opts.IndexSource == SourceMirror {
		mopts := opts.Classify
		mopts.Exclude = ""
		indexRoot = opts.MirrorRoot
		if indexFiles, err = classify.New(indexRoot, mopts); err != nil {
			return nil, err
		}
	}

	builder, err := index.NewBuilder(index.Options{
		Root:       indexRoot,
		Output:     opts.Output,
		Classifier: indexFiles,
		MaxDepth:   opts.MaxDepth,
	})
	if err != nil {
		return nil, err
	}

	// The start-up pass runs without the live copier's initial delay; the
	// post-copy size and mtime check still catches files being written.
	bulk := transfer.Options{Attempts: 3, Backoff: 50 * time.Millisecond}
	engine, err := mirror.New(mirror.Options{
		MirrorRoot: opts.MirrorRoot,
		Classifier: cl,
		Copier:     transfer.NewCopier(opts.Copy, nil, log.Named("copy")),
		BulkCopier: transfer.NewCopier(bulk, nil, log.Named("copy")),
		Index:      builder,
		MaxDepth:   opts.MaxDepth,
	}, log.Named("mirror"))
	if err != nil {
		return nil, err
	}

	return &Session{
		opts:       opts,
		log:        log,
		classifier: cl,
		indexFiles: indexFiles,
		engine:     engine,
		builder:    builder,
		status: Status{
			State:      Initializing,
			Root:       root,
			MirrorRoot: opts.MirrorRoot,
			IndexRoot:  indexRoot,
			Output:     builder.Output(),
		},
		activity: make(chan Activity, 256),
	}, nil
}

// Options returns the resolved options.
func (s *Session) Options() Options { return s.opts }

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := s.status
	pending := s.pending
	s.mu.RUnlock()
	if pending != nil {
		st.Pending = pending()
	}
	return st
}

// Activity delivers mirror operations as batches are applied. Operations are
// dropped when nobody keeps up with the channel.
func (s *Session) Activity() <-chan Activity { return s.activity }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
	s.log.Debug("session state", zap.Stringer("state", st))
}

// startup runs the phases before Live. Only a walk failure of the watched
// root ends the session; a failed initial index keeps the previous document.
func (s *Session) startup(ctx context.Context) error {
	if s.engine.Mirroring() {
		if err := os.MkdirAll(s.opts.MirrorRoot, 0o755); err != nil {
			return fmt.Errorf("create mirror %s: %w", s.opts.MirrorRoot, err)
		}

		s.setState(InitialSync)
		rep, err := s.engine.InitialSync(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.status.Synced = rep
		s.mu.Unlock()

		if s.opts.Prune {
			s.setState(InitialPrune)
			n, err := s.engine.Prune(ctx)
			switch {
			case err == nil:
				s.mu.Lock()
				s.status.Pruned = n
				s.mu.Unlock()
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				s.log.Warn("prune skipped", zap.Error(err))
			}
		}
	}

	s.setState(InitialIndex)
	n, err := s.builder.Rebuild(ctx)
	s.recordIndex(n, err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("initial index failed, previous document kept", zap.Error(err))
	} else {
		s.log.Info("index written", zap.String("path", s.builder.Output()), zap.Int("entries", n))
	}
	return nil
}

func (s *Session) recordIndex(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastIndexErr = err
	if err == nil {
		s.status.IndexEntries = n
		s.status.LastRebuild = time.Now()
	}
}

func (s *Session) record(res mirror.Result) {
	s.mu.Lock()
	s.status.Batches++
	s.status.Copied += res.Copied
	s.status.Deleted += res.Deleted
	s.status.Failed += res.Failed
	s.mu.Unlock()
	s.recordIndex(res.IndexEntries, res.IndexErr)

	now := time.Now()
	for _, o := range res.Outcomes {
		select {
		case s.activity <- Activity{Time: now, Batch: res.Batch, Op: o.Op, Path: o.Path, OK: o.OK}:
		default:
		}
	}
}

// Run performs the start-up pass and then mirrors live changes until ctx is
// cancelled. The watch is registered before the initial sync so changes made
// during it are replayed once the session is live. On shutdown the watcher
// stops first, then pending actions are drained and the server is shut down.
func (s *Session) Run(ctx context.Context) error {
	w, err := watcher.New(s.classifier, s.opts.MaxDepth, s.log.Named("watch"))
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.opts.Root, err)
	}

	// Batches drained during shutdown still need a live context.
	applyCtx, cancelApply := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelApply()
	live := make(chan struct{})
	co := coalesce.New(s.classifier, s.opts.Debounce, func(batch []coalesce.Action) {
		select {
		case <-live:
		case <-applyCtx.Done():
			return
		}
		s.record(s.engine.Apply(applyCtx, batch))
	}, s.log.Named("coalesce"))
	s.mu.Lock()
	s.pending = co.Len
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return w.Run(gctx, co) })

	if err := s.startup(gctx); err != nil {
		cancel()
		g.Wait()
		cancelApply()
		co.Stop()
		s.setState(Stopped)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	s.setState(Live)
	close(live)
	s.log.Info("watching",
		zap.String("root", s.opts.Root),
		zap.String("mirror", s.opts.MirrorRoot),
		zap.String("index", s.builder.Output()),
		zap.Int("dirs", w.Watching()))

	if s.opts.Addr != "" {
		srv := server.New(server.Options{
			Addr:      s.opts.Addr,
			IndexPath: s.builder.Output(),
			Files:     s.indexFiles,
		}, s.log.Named("http"))
		g.Go(func() error {
			// Server failures are logged; the watch keeps running.
			if err := srv.ListenAndServe(gctx); err != nil {
				s.log.Error("http server stopped, still watching", zap.Error(err))
			}
			return nil
		})
	}

	<-gctx.Done()
	err = g.Wait()
	co.Stop()
	s.setState(Stopped)
	s.log.Info("session stopped")
	return err
}

// SyncResult summarizes a one-shot sync.
type SyncResult struct {
	Synced       mirror.SyncReport
	Pruned       int
	IndexEntries int
	Output       string
}

// SyncOnce runs the start-up pass without watching: initial sync and prune
// when a mirror is configured, then one index write. Unlike a live session,
// a failed index write is returned.
func SyncOnce(ctx context.Context, opts Options, log *zap.Logger) (SyncResult, error) {
	s, err := New(opts, log)
	if err != nil {
		return SyncResult{}, err
	}
	var res SyncResult
	if s.engine.Mirroring() {
		if err := os.MkdirAll(s.opts.MirrorRoot, 0o755); err != nil {
			return res, fmt.Errorf("create mirror %s: %w", s.opts.MirrorRoot, err)
		}
		if res.Synced, err = s.engine.InitialSync(ctx); err != nil {
			return res, err
		}
		if opts.Prune {
			if res.Pruned, err = s.engine.Prune(ctx); err != nil {
				return res, err
			}
		}
	}
	res.Output = s.builder.Output()
	res.IndexEntries, err = s.builder.Rebuild(ctx)
	return res, err
}
