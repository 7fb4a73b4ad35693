// Package session is the live index over one note folder. It wires discovery,
// the metadata cache, the watcher, the reconciler and the save pipeline
// together behind a single owner goroutine.
//
// Concurrency model: run owns the index, the reconciler and the pipeline.
// Public methods hand closures to it through a channel; traversal, probing
// and writes happen on other goroutines and report back the same way.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/cache"
	"github.com/starford/quire/internal/discovery"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/reconcile"
	"github.com/starford/quire/internal/save"
	"github.com/starford/quire/internal/storage"
	"github.com/starford/quire/internal/watcher"
)

// Options configures a Session.
type Options struct {
	Folder string
	// Cache is optional; without it every open is a cold start.
	Cache          cache.Store
	Filter         discovery.Filter
	WatchDebounce  time.Duration
	SaveDebounce   time.Duration
	RecentWriteTTL time.Duration
	// Replacer overrides the final step of every atomic write.
	Replacer storage.Replacer
	Logger   *slog.Logger
}

type op struct {
	fn   func(*state)
	done chan struct{}
}

type scanMsg struct {
	gen   uint64
	batch []models.Note
	done  bool
	err   error
}

// Session is one open folder.
type Session struct {
	fs       *storage.FS
	engine   *discovery.Engine
	filter   discovery.Filter
	watcher  *watcher.Watcher
	cache    *cache.Async
	replacer storage.Replacer
	logger   *slog.Logger

	ops     chan op
	scanCh  chan scanMsg
	obsCh   chan []reconcile.Observation
	stopCh  chan struct{}
	stopped chan struct{}
	ready   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closing atomic.Bool
	st      *state
}

// Open indexes folder: cached entries are shown at once, a streamed scan
// validates them, and the watcher starts once the scan completes.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var fsOpts []storage.Option
	if opts.Replacer != nil {
		fsOpts = append(fsOpts, storage.WithReplacer(opts.Replacer))
	}
	fsys, err := storage.NewFS(opts.Folder, fsOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}

	filter := opts.Filter
	if filter.IsZero() {
		filter = discovery.NewFilter(nil, nil)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		fs:       fsys,
		filter:   filter,
		engine:   discovery.New(discovery.WithFilter(filter), discovery.WithLogger(logger)),
		watcher:  watcher.New(watcher.WithDebounce(opts.WatchDebounce), watcher.WithFilter(filter), watcher.WithLogger(logger)),
		replacer: opts.Replacer,
		logger:   logger,
		ops:      make(chan op),
		scanCh:   make(chan scanMsg),
		obsCh:    make(chan []reconcile.Observation),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
		ctx:      runCtx,
		cancel:   cancel,
	}
	if opts.Cache != nil {
		s.cache = cache.NewAsync(opts.Cache, logger)
	}

	st := newState(s, reconcile.New(reconcile.WithTTL(opts.RecentWriteTTL)))
	st.pipe = save.NewPipeline(opts.SaveDebounce, s.autosave)
	if s.cache != nil {
		if entries, ok := s.cache.Load(fsys.Root()); ok {
			st.seed(entries)
			logger.Info("session: seeded from cache", slog.String("folder", fsys.Root()), slog.Int("notes", len(entries)))
		}
	}
	s.st = st

	go s.run(st)
	go s.forwardChanges()

	if err := s.call(func(st *state) { st.startScan(nil) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the absolute folder path.
func (s *Session) Root() string {
	return s.fs.Root()
}

// Ready is closed when the first scan has finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// IsWatching reports whether filesystem changes are currently observed.
func (s *Session) IsWatching() bool {
	return s.watcher.IsWatching()
}

func (s *Session) run(st *state) {
	defer close(s.stopped)

	expire := time.NewTicker(time.Second)
	defer expire.Stop()

	for {
		select {
		case <-s.stopCh:
			st.shutdown()
			return
		case o := <-s.ops:
			o.fn(st)
			close(o.done)
		case msg := <-s.scanCh:
			st.onScan(msg)
		case batch := <-s.obsCh:
			st.onObservations(batch)
		case <-expire.C:
			st.rec.Expire()
		}
	}
}

// call runs fn on the owner goroutine and waits for it.
func (s *Session) call(fn func(*state)) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.stopped:
		return apperr.ErrClosed
	}
	select {
	case <-o.done:
		return nil
	case <-s.stopped:
		return apperr.ErrClosed
	}
}

// spawn runs fn on a tracked background goroutine. Only the owner calls it.
func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// forwardChanges probes each watcher drain off the owner and hands the
// observations over in drain order.
func (s *Session) forwardChanges() {
	root := s.fs.Root()
	for {
		select {
		case <-s.stopCh:
			return
		case batch := <-s.watcher.Events():
			obs := reconcile.ProbeAll(root, batch)
			select {
			case s.obsCh <- obs:
			case <-s.stopCh:
				return
			}
		}
	}
}

// autosave is the pipeline's debounce callback. Failures surface as
// EventBlocked.
func (s *Session) autosave(path string) {
	if s.closing.Load() {
		return
	}
	if err := s.flush(path); err != nil && !errors.Is(err, apperr.ErrClosed) {
		s.logger.Debug("session: autosave failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// FlushAll saves every note with pending edits and returns the failures,
// including notes that were already blocked. A non-nil result means quitting
// now would lose data.
func (s *Session) FlushAll() error {
	var pending []string
	if err := s.call(func(st *state) { pending = st.pipe.Pending() }); err != nil {
		return err
	}
	var errs []error
	for _, p := range pending {
		if err := s.flush(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending edits, stops watching and persists the cache. It
// returns the flush failures; the session is closed either way.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.stopped
		return nil
	}
	s.watcher.Stop()
	flushErr := s.FlushAll()

	_ = s.call(func(st *state) {
		st.cancelScan()
		st.pipe.StopTimers()
		if s.cache != nil && !st.scanning {
			s.cache.SaveAsync(st.snapshot(), s.fs.Root())
		}
	})
	s.cancel()
	close(s.stopCh)
	<-s.stopped
	s.wg.Wait()
	s.watcher.Stop()
	if s.cache != nil {
		s.cache.Wait()
	}
	s.logger.Info("session: closed", slog.String("folder", s.fs.Root()))
	return flushErr
}
