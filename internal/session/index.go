package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/parser"
	"github.com/starford/quire/internal/reconcile"
	"github.com/starford/quire/internal/save"
	"github.com/starford/quire/internal/watcher"
)

// state is everything the owner goroutine owns. No other goroutine may touch
// it.
type state struct {
	s     *Session
	notes map[string]*models.Note // keyed by absolute path
	rec   *reconcile.Reconciler
	pipe  *save.Pipeline
	subs  map[*subscriber]struct{}
	open  string // note currently loaded by the edit surface

	scanGen     uint64
	scanCancel  context.CancelFunc
	scanning    bool
	scanStart   time.Time
	seen        map[string]struct{}
	scanWaiters []chan error
	ready       bool

	saveWaiters map[string][]chan struct{}
}

func newState(s *Session, rec *reconcile.Reconciler) *state {
	return &state{
		s:           s,
		notes:       make(map[string]*models.Note),
		rec:         rec,
		subs:        make(map[*subscriber]struct{}),
		saveWaiters: make(map[string][]chan struct{}),
	}
}

// seed fills the index from cached entries. They are shown at once and
// corrected by the scan that follows.
func (st *state) seed(entries []models.CachedEntry) {
	root := st.s.fs.Root()
	for _, e := range entries {
		abs := filepath.Join(root, filepath.FromSlash(e.RelPath))
		n := models.NewNote(abs, e.RelPath, e.ModTime, e.Title, e.Preview)
		st.notes[abs] = &n
	}
}

// snapshot returns a sorted copy of the index.
func (st *state) snapshot() []models.Note {
	out := make([]models.Note, 0, len(st.notes))
	for _, n := range st.notes {
		out = append(out, *n)
	}
	models.SortByRecency(out)
	return out
}

func (st *state) emit(ev Event) {
	for sub := range st.subs {
		sub.push(ev)
	}
}

// publishNotes sends the current list to every subscriber. The slice is
// shared between subscribers and must be treated as read-only.
func (st *state) publishNotes() {
	metrics.SetNotesIndexed(len(st.notes))
	if len(st.subs) == 0 {
		return
	}
	st.emit(Event{Type: EventNotes, Notes: st.snapshot()})
}

// upsert merges a discovered note into the index, keeping the identity of an
// existing record at the same path.
func (st *state) upsert(n models.Note) {
	if cur, ok := st.notes[n.Path]; ok {
		cur.Refresh(n)
		return
	}
	st.notes[n.Path] = &n
}

// forget removes a record. A note with unsaved edits stays listed as unsaved
// so its content is not lost with the file.
func (st *state) forget(path string) {
	cur, ok := st.notes[path]
	if !ok {
		return
	}
	if st.pipe.Dirty(path) {
		cur.Unsaved = true
		return
	}
	st.pipe.Abandon(path)
	delete(st.notes, path)
}

func (st *state) startScan(waiter chan error) {
	if waiter != nil {
		st.scanWaiters = append(st.scanWaiters, waiter)
	}
	st.cancelScan()

	st.scanGen++
	gen := st.scanGen
	ctx, cancel := context.WithCancel(st.s.ctx)
	st.scanCancel = cancel
	st.scanning = true
	st.scanStart = time.Now()
	st.seen = make(map[string]struct{})

	s := st.s
	stream := s.engine.Stream(ctx, s.fs.Root())
	s.spawn(func() {
		for batch := range stream.C {
			select {
			case s.scanCh <- scanMsg{gen: gen, batch: batch}:
			case <-ctx.Done():
			}
		}
		msg := scanMsg{gen: gen, done: true, err: stream.Err()}
		select {
		case s.scanCh <- msg:
		case <-s.stopCh:
		}
	})
}

func (st *state) cancelScan() {
	if st.scanCancel != nil {
		st.scanCancel()
		st.scanCancel = nil
	}
}

func (st *state) onScan(msg scanMsg) {
	if msg.gen != st.scanGen {
		return
	}
	if !msg.done {
		for _, n := range msg.batch {
			st.seen[n.Path] = struct{}{}
			st.upsert(n)
		}
		st.publishNotes()
		return
	}

	st.cancelScan()
	st.scanning = false
	took := time.Since(st.scanStart)
	logger := st.s.logger

	if msg.err != nil {
		metrics.RecordScan(took, true)
		logger.Info("session: scan cancelled", slog.String("folder", st.s.fs.Root()), slog.String("error", msg.err.Error()))
		st.finishScan(msg.err)
		return
	}

	pruned := 0
	for path, n := range st.notes {
		if _, ok := st.seen[path]; ok || n.Unsaved {
			continue
		}
		st.forget(path)
		pruned++
	}
	st.seen = nil
	metrics.RecordScan(took, false)
	logger.Info("session: scan finished",
		slog.String("folder", st.s.fs.Root()),
		slog.Int("notes", len(st.notes)),
		slog.Int("pruned", pruned),
		slog.Duration("took", took))

	if st.s.cache != nil {
		st.s.cache.SaveAsync(st.snapshot(), st.s.fs.Root())
	}
	st.publishNotes()
	st.ensureWatching()
	st.finishScan(nil)
}

func (st *state) finishScan(err error) {
	for _, w := range st.scanWaiters {
		w <- err
	}
	st.scanWaiters = nil
	if !st.ready {
		st.ready = true
		close(st.s.ready)
	}
}

// ensureWatching (re)starts the watcher once the index is warm. A watcher
// that stopped on a subscription failure is restarted by the next scan.
func (st *state) ensureWatching() {
	s := st.s
	if s.closing.Load() || s.watcher.IsWatching() {
		return
	}
	s.spawn(func() {
		if s.closing.Load() {
			return
		}
		if err := s.watcher.Start(s.fs.Root()); err != nil {
			s.logger.Warn("session: watch failed", slog.String("folder", s.fs.Root()), slog.String("error", err.Error()))
		}
	})
}

func (st *state) onObservations(batch []reconcile.Observation) {
	changed := false
	for _, obs := range batch {
		if obs.Event.Dir {
			if obs.Event.Kind == watcher.Deleted {
				for _, p := range st.under(obs.Event.Path) {
					gone := reconcile.Observation{Event: watcher.ChangeEvent{Kind: watcher.Deleted, Path: p}}
					changed = st.reconcileOne(gone) || changed
				}
			}
			continue
		}
		changed = st.reconcileOne(obs) || changed
	}
	if changed {
		st.publishNotes()
	}
}

// under lists indexed paths below dir.
func (st *state) under(dir string) []string {
	prefix := dir + string(os.PathSeparator)
	var out []string
	for p := range st.notes {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (st *state) reconcileOne(obs reconcile.Observation) bool {
	path := obs.Event.Path
	cur, indexed := st.notes[path]
	d := st.rec.Decide(obs, indexed)
	metrics.RecordReconcile(string(d.Reason))

	switch d.Action {
	case reconcile.Ignore:
		return false
	case reconcile.Upsert:
		st.upsert(d.Note)
	case reconcile.Touch:
		cur.ModTime = d.Note.ModTime
	case reconcile.Remove:
		st.forget(path)
	}

	if d.Notice != nil {
		notice := *d.Notice
		notice.Conflict = st.pipe.Dirty(path)
		if !notice.Conflict {
			// The buffer is clean and now stale.
			st.pipe.Abandon(path)
		}
		st.s.logger.Info("session: external change",
			slog.String("path", path),
			slog.String("kind", string(notice.Kind)),
			slog.Bool("conflict", notice.Conflict))
		st.emit(Event{Type: EventExternal, Path: path, Notice: &notice})
	}
	return true
}

// beginSave starts writing path and registers the echo it will cause. It
// reports false when nothing needs writing.
func (st *state) beginSave(path string) (save.Snapshot, bool) {
	snap, ok := st.pipe.Begin(path)
	if !ok {
		return snap, false
	}
	st.rec.RegisterWrite(path, checksum.Sum(snap.Content))
	return snap, true
}

func (st *state) waitSave(path string) chan struct{} {
	ch := make(chan struct{})
	st.saveWaiters[path] = append(st.saveWaiters[path], ch)
	return ch
}

func (st *state) wakeSavers(path string) {
	for _, ch := range st.saveWaiters[path] {
		close(ch)
	}
	delete(st.saveWaiters, path)
}

// completeSave applies the outcome of writing snap.
func (st *state) completeSave(snap save.Snapshot, modTime time.Time, saveErr *save.Error) {
	st.pipe.Complete(snap.Path, snap.Version, saveErr)
	st.wakeSavers(snap.Path)
	metrics.SetBlockedNotes(st.pipe.BlockedCount())

	if saveErr != nil {
		st.s.logger.Error("session: save failed, note blocked",
			slog.String("path", snap.Path),
			slog.String("kind", string(saveErr.Kind)),
			slog.String("error", saveErr.Err.Error()))
		st.emit(Event{Type: EventBlocked, Path: snap.Path, SaveErr: saveErr})
		return
	}

	st.rec.Remember(snap.Path, checksum.Sum(snap.Content))
	st.record(snap.Path, snap.Content, modTime)
	st.pipe.Release(st.open)
	st.emit(Event{Type: EventSaved, Path: snap.Path})
	st.publishNotes()
}

// record updates or creates the index entry for a file just written.
func (st *state) record(path string, content []byte, modTime time.Time) {
	title, preview := parser.Describe(content)
	if cur, ok := st.notes[path]; ok {
		cur.SetContent(title, preview)
		cur.ModTime = modTime
		cur.Unsaved = false
		return
	}
	rel, ok := st.s.fs.Rel(path)
	if !ok {
		return
	}
	n := models.NewNote(path, rel, modTime, title, preview)
	st.notes[path] = &n
}

func (st *state) shutdown() {
	st.cancelScan()
	st.pipe.StopTimers()
	for sub := range st.subs {
		sub.close()
	}
	st.subs = nil
	for path := range st.saveWaiters {
		st.wakeSavers(path)
	}
	for _, w := range st.scanWaiters {
		w <- apperr.ErrClosed
	}
	st.scanWaiters = nil
}
