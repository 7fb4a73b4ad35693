// Package watcher turns fsnotify notifications for a note folder into
// debounced, classified change batches.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/quire/internal/discovery"
	"github.com/starford/quire/internal/metrics"
)

// DefaultDebounce is the quiet period after the last raw event before a drain.
const DefaultDebounce = 150 * time.Millisecond

// Watcher is either stopped or watching exactly one root. Batches from every
// run are delivered on the same channel.
type Watcher struct {
	debounce time.Duration
	filter   discovery.Filter
	logger   *slog.Logger

	events   chan []ChangeEvent
	watching atomic.Bool

	mu  sync.Mutex
	cur *run
}

type run struct {
	root string
	stop chan struct{}
	done chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter sets which names are notes and which directories are ignored.
func WithFilter(f discovery.Filter) Option {
	return func(w *Watcher) { w.filter = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a stopped Watcher.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		debounce: DefaultDebounce,
		filter:   discovery.NewFilter(nil, nil),
		logger:   slog.Default(),
		events:   make(chan []ChangeEvent),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events delivers one slice per drain. The channel is never closed.
func (w *Watcher) Events() <-chan []ChangeEvent {
	return w.events
}

// IsWatching reports whether a subscription is live. It turns false on its
// own when the subscription fails.
func (w *Watcher) IsWatching() bool {
	return w.watching.Load()
}

// Start subscribes to root. A running subscription is stopped first so no
// batch is ever delivered twice.
func (w *Watcher) Start(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("watcher: resolve root: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: subscribe: %w", err)
	}
	dirs := make(map[string]struct{})
	if _, err := w.addTree(fw, abs, dirs, false); err != nil {
		fw.Close()
		return fmt.Errorf("watcher: add %s: %w", abs, err)
	}

	r := &run{root: abs, stop: make(chan struct{}), done: make(chan struct{})}
	w.cur = r
	w.watching.Store(true)
	go w.loop(fw, r, dirs)

	w.logger.Info("watcher: started", slog.String("root", abs), slog.Int("dirs", len(dirs)))
	return nil
}

// Stop ends the subscription. When it returns no further batch is delivered.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	if w.cur == nil {
		return
	}
	close(w.cur.stop)
	<-w.cur.done
	w.cur = nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher, r *run, dirs map[string]struct{}) {
	defer close(r.done)
	defer w.watching.Store(false)
	defer fw.Close()

	env := Env{
		Stat: func(p string) (bool, bool) {
			info, err := os.Stat(p)
			if err != nil {
				return false, false
			}
			return info.IsDir(), true
		},
		WasDir: func(p string) bool {
			_, ok := dirs[p]
			return ok
		},
		Filter: w.filter,
	}

	var pending []RawEvent
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	var timerC <-chan time.Time

	for {
		select {
		case <-r.stop:
			w.logger.Info("watcher: stopped", slog.String("root", r.root))
			return

		case ev, ok := <-fw.Events:
			if !ok {
				w.logger.Warn("watcher: subscription closed", slog.String("root", r.root))
				return
			}
			if ev.Name == r.root && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Warn("watcher: root removed, stopping", slog.String("root", r.root))
				return
			}
			rel, err := filepath.Rel(r.root, ev.Name)
			if err != nil || strings.HasPrefix(rel, "..") || w.filter.Ignored(filepath.ToSlash(rel)) {
				continue
			}

			pending = append(pending, RawEvent{Path: ev.Name, Op: convertOp(ev.Op)})
			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					notes, addErr := w.addTree(fw, ev.Name, dirs, true)
					if addErr != nil {
						w.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name), slog.String("error", addErr.Error()))
					}
					for _, p := range notes {
						pending = append(pending, RawEvent{Path: p, Op: OpCreate})
					}
				}
			}
			timer.Reset(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			batch := Classify(pending, env)
			pending = nil
			forgetRemovedDirs(fw, batch, dirs)
			if len(batch) == 0 {
				continue
			}
			recordDrain(batch)
			select {
			case w.events <- batch:
			case <-r.stop:
				w.logger.Info("watcher: stopped", slog.String("root", r.root))
				return
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			// Queue overflow or a vanished watch: the caller rescans and restarts.
			w.logger.Warn("watcher: subscription failed, stopping",
				slog.String("root", r.root), slog.String("error", err.Error()))
			return
		}
	}
}

// addTree adds dir and every non-ignored subdirectory to fw. With collect set
// it also returns the note files found, for directories that appeared after
// the subscription was made.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string, dirs map[string]struct{}, collect bool) ([]string, error) {
	var notes []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && w.filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := fw.Add(path); addErr != nil {
				if path == dir {
					return addErr
				}
				w.logger.Debug("watcher: add dir failed", slog.String("path", path), slog.String("error", addErr.Error()))
				return filepath.SkipDir
			}
			dirs[path] = struct{}{}
			return nil
		}
		if collect && d.Type().IsRegular() && w.filter.IsNote(d.Name()) {
			notes = append(notes, path)
		}
		return nil
	})
	return notes, err
}

// forgetRemovedDirs drops bookkeeping for directories that left the tree.
func forgetRemovedDirs(fw *fsnotify.Watcher, batch []ChangeEvent, dirs map[string]struct{}) {
	for _, ev := range batch {
		if !ev.Dir {
			continue
		}
		prefix := ev.Path + string(os.PathSeparator)
		for d := range dirs {
			if d == ev.Path || strings.HasPrefix(d, prefix) {
				// Deleted directories have already lost their watch.
				_ = fw.Remove(d)
				delete(dirs, d)
			}
		}
	}
}

func recordDrain(batch []ChangeEvent) {
	kinds := make([]string, len(batch))
	for i, ev := range batch {
		kinds[i] = ev.Kind.String()
	}
	metrics.RecordWatcherDrain(kinds)
}

func convertOp(op fsnotify.Op) Op {
	var out Op
	if op.Has(fsnotify.Create) {
		out |= OpCreate
	}
	if op.Has(fsnotify.Write) {
		out |= OpWrite
	}
	if op.Has(fsnotify.Remove) {
		out |= OpRemove
	}
	if op.Has(fsnotify.Rename) {
		out |= OpRename
	}
	if op.Has(fsnotify.Chmod) {
		out |= OpChmod
	}
	return out
}
