package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/parser"
	"github.com/starford/quire/internal/save"
	"github.com/starford/quire/internal/storage"
)

// BlockedNote describes a note whose last save failed.
type BlockedNote struct {
	Path  string    `json:"path"`
	Kind  save.Kind `json:"kind"`
	Error string    `json:"error"`
}

// Status is a point-in-time summary of the session.
type Status struct {
	Folder       string        `json:"folder"`
	Notes        int           `json:"notes"`
	Ready        bool          `json:"ready"`
	Scanning     bool          `json:"scanning"`
	Watching     bool          `json:"watching"`
	Open         string        `json:"open,omitempty"`
	Pending      []string      `json:"pending"`
	Blocked      []BlockedNote `json:"blocked"`
	RecentWrites int           `json:"recent_writes"`
}

func (s *Session) resolve(p string) (string, error) {
	abs, err := s.fs.Resolve(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrInvalidPath, err)
	}
	return abs, nil
}

// Notes returns the index sorted by recency.
func (s *Session) Notes() ([]models.Note, error) {
	var out []models.Note
	if err := s.call(func(st *state) { out = st.snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the note with the given identity.
func (s *Session) Get(id string) (models.Note, error) {
	var (
		n     models.Note
		found bool
	)
	err := s.call(func(st *state) {
		for _, cur := range st.notes {
			if cur.ID == id {
				n, found = *cur, true
				return
			}
		}
	})
	if err != nil {
		return models.Note{}, err
	}
	if !found {
		return models.Note{}, fmt.Errorf("session: note %s: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

// Lookup returns the note at path.
func (s *Session) Lookup(path string) (models.Note, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return models.Note{}, err
	}
	var (
		n     models.Note
		found bool
	)
	if err := s.call(func(st *state) {
		if cur, ok := st.notes[abs]; ok {
			n, found = *cur, true
		}
	}); err != nil {
		return models.Note{}, err
	}
	if !found {
		return models.Note{}, fmt.Errorf("session: note %s: %w", path, apperr.ErrNotFound)
	}
	return n, nil
}

// Dirty reports whether path has local edits that are not on disk yet.
func (s *Session) Dirty(path string) (bool, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	var dirty bool
	if err := s.call(func(st *state) { dirty = st.pipe.Dirty(abs) }); err != nil {
		return false, err
	}
	return dirty, nil
}

// Load makes path the open note and returns its content: the edit buffer when
// it holds anything unsaved, the file otherwise. Switching notes forces a
// save of the previously open one.
func (s *Session) Load(path string) ([]byte, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	var (
		prev     string
		found    bool
		buffered bool
		content  []byte
	)
	if err := s.call(func(st *state) {
		cur, ok := st.notes[abs]
		if !ok {
			return
		}
		found = true
		prev, st.open = st.open, abs
		if cur.Unsaved || st.pipe.Dirty(abs) {
			content, buffered = st.pipe.Content(abs)
			buffered = buffered || cur.Unsaved
		}
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("session: load %s: %w", path, apperr.ErrNotFound)
	}

	if prev != "" && prev != abs {
		if err := s.flush(prev); err != nil && !errors.Is(err, apperr.ErrClosed) {
			s.logger.Warn("session: save on switch failed", slog.String("path", prev), slog.String("error", err.Error()))
		}
	}
	if buffered {
		return bytes.Clone(content), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", path, err)
	}
	if err := s.call(func(st *state) { st.rec.Remember(abs, checksum.Sum(data)) }); err != nil {
		return nil, err
	}
	return data, nil
}

// Edit replaces the buffered content of path and schedules an autosave. A
// blocked note rejects edits with save.ErrBlocked.
func (s *Session) Edit(path string, content []byte) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	var opErr error
	if err := s.call(func(st *state) {
		cur, ok := st.notes[abs]
		if !ok {
			opErr = fmt.Errorf("session: edit %s: %w", path, apperr.ErrNotFound)
			return
		}
		if err := st.pipe.Edit(abs, bytes.Clone(content)); err != nil {
			if blockedBy, ok := st.pipe.Blocked(abs); ok && blockedBy != nil {
				opErr = fmt.Errorf("%w: %w", err, blockedBy)
				return
			}
			opErr = err
			return
		}
		if cur.Unsaved {
			cur.SetContent(parser.Describe(content))
			st.publishNotes()
		}
	}); err != nil {
		return err
	}
	return opErr
}

// Save writes the pending edits of path now instead of waiting for the
// debounce. It returns the *save.Error of a blocked note.
func (s *Session) Save(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	return s.flush(abs)
}

// flush saves abs if it has pending edits, waiting for a save already in
// flight first.
func (s *Session) flush(abs string) error {
	for {
		var (
			snap      save.Snapshot
			ok        bool
			blockedBy *save.Error
			wait      chan struct{}
		)
		err := s.call(func(st *state) {
			if e, blocked := st.pipe.Blocked(abs); blocked {
				blockedBy = e
				return
			}
			if st.pipe.State(abs) == save.Saving {
				wait = st.waitSave(abs)
				return
			}
			snap, ok = st.beginSave(abs)
		})
		if err != nil {
			return err
		}
		if blockedBy != nil {
			return blockedBy
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-s.stopped:
				return apperr.ErrClosed
			}
		}
		if !ok {
			return nil
		}
		return s.write(snap, "save")
	}
}

// write performs the atomic write off the owner and reports back.
func (s *Session) write(snap save.Snapshot, op string) error {
	start := time.Now()
	err := s.fs.WriteAtomic(snap.Path, snap.Content)
	metrics.RecordSave(time.Since(start), err == nil)

	var saveErr *save.Error
	if err != nil {
		saveErr = save.NewError(op, snap.Path, err)
	}
	modTime := statModTime(snap.Path)
	if cerr := s.call(func(st *state) { st.completeSave(snap, modTime, saveErr) }); cerr != nil && saveErr == nil {
		return cerr
	}
	if saveErr != nil {
		return saveErr
	}
	return nil
}

func statModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}

// Retry repeats the failed write of a blocked note with identical content.
func (s *Session) Retry(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	var (
		snap  save.Snapshot
		opErr error
	)
	if err := s.call(func(st *state) {
		snap, opErr = st.pipe.Retry(abs)
		if opErr == nil {
			st.rec.RegisterWrite(abs, checksum.Sum(snap.Content))
		}
	}); err != nil {
		return err
	}
	if opErr != nil {
		return fmt.Errorf("%w: %w", apperr.ErrConflict, opErr)
	}
	return s.write(snap, "retry")
}

// SaveAs writes the buffered content of path to alt. A relative alt is taken
// relative to the folder; an absolute alt may point anywhere. On success the
// buffer follows the content when alt is inside the folder and is released
// otherwise, which also clears a blocked state.
func (s *Session) SaveAs(path, alt string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	target := alt
	if !filepath.IsAbs(target) {
		if target, err = s.resolve(alt); err != nil {
			return err
		}
	}
	target = filepath.Clean(target)
	_, inside := s.fs.Rel(target)
	if inside && !s.filter.IsNote(filepath.Base(target)) {
		return fmt.Errorf("%w: not a note file: %s", apperr.ErrInvalidPath, alt)
	}

	var (
		snap  save.Snapshot
		opErr error
	)
	if err := s.call(func(st *state) {
		var ok bool
		switch {
		case st.pipe.State(abs) == save.Saving:
			opErr = fmt.Errorf("session: save-as %s: save in progress: %w", path, apperr.ErrConflict)
		case target != abs && st.notes[target] != nil:
			opErr = fmt.Errorf("session: save-as %s: %w", alt, apperr.ErrAlreadyExists)
		default:
			if snap, ok = st.pipe.Snapshot(abs); !ok {
				opErr = fmt.Errorf("session: save-as %s: no buffered content: %w", path, apperr.ErrNotFound)
				return
			}
			if inside {
				st.rec.RegisterWrite(target, checksum.Sum(snap.Content))
			}
		}
	}); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	start := time.Now()
	werr := storage.WriteFileAtomic(target, snap.Content, s.replacer)
	metrics.RecordSave(time.Since(start), werr == nil)
	if werr != nil {
		return save.NewError("save-as", target, werr)
	}
	modTime := statModTime(target)

	return s.call(func(st *state) {
		cur := st.notes[abs]
		if inside {
			st.pipe.Rebind(abs, target)
			st.pipe.Complete(target, snap.Version, nil)
			st.rec.Remember(target, checksum.Sum(snap.Content))
			if cur != nil && cur.Unsaved && target != abs {
				delete(st.notes, abs)
				rel, _ := st.s.fs.Rel(target)
				cur.SetPath(target, rel)
				st.notes[target] = cur
			}
			st.record(target, snap.Content, modTime)
			if st.open == abs {
				st.open = target
			}
		} else {
			st.pipe.Abandon(abs)
			if cur != nil && cur.Unsaved {
				delete(st.notes, abs)
			}
		}
		metrics.SetBlockedNotes(st.pipe.BlockedCount())
		st.s.logger.Info("session: saved as", slog.String("path", abs), slog.String("target", target))
		st.emit(Event{Type: EventSaved, Path: target})
		st.publishNotes()
	})
}

// Abandon discards the unsaved content of path. It cannot be undone. An
// unsaved note that was never written, or whose file is gone, leaves the
// index with it.
func (s *Session) Abandon(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	var found bool
	if err := s.call(func(st *state) {
		found = st.pipe.Abandon(abs)
		if cur, ok := st.notes[abs]; ok && cur.Unsaved {
			delete(st.notes, abs)
			found = true
		}
		if !found {
			return
		}
		metrics.SetBlockedNotes(st.pipe.BlockedCount())
		st.s.logger.Warn("session: edits abandoned", slog.String("path", abs))
		st.publishNotes()
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session: abandon %s: %w", path, apperr.ErrNotFound)
	}
	return nil
}

// NewNote adds an unsaved note at rel, creating its parent directory. The
// file itself is not written until the note is edited.
func (s *Session) NewNote(rel string) (models.Note, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return models.Note{}, err
	}
	if !s.filter.IsNote(filepath.Base(abs)) {
		return models.Note{}, fmt.Errorf("%w: not a note file: %s", apperr.ErrInvalidPath, rel)
	}
	if _, err := os.Stat(abs); err == nil {
		return models.Note{}, fmt.Errorf("session: new %s: %w", rel, apperr.ErrAlreadyExists)
	}
	relPath, _ := s.fs.Rel(abs)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return models.Note{}, fmt.Errorf("session: new %s: %w", rel, err)
	}

	var (
		n     models.Note
		opErr error
	)
	if err := s.call(func(st *state) {
		if _, ok := st.notes[abs]; ok {
			opErr = fmt.Errorf("session: new %s: %w", rel, apperr.ErrAlreadyExists)
			return
		}
		n = models.NewNote(abs, relPath, time.Now(), "", "")
		n.Unsaved = true
		rec := n
		st.notes[abs] = &rec
		st.pipe.Track(abs, nil)
		st.publishNotes()
	}); err != nil {
		return models.Note{}, err
	}
	return n, opErr
}

// Delete removes path from disk and from the index, discarding any buffer.
func (s *Session) Delete(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	var (
		onDisk bool
		opErr  error
	)
	if err := s.call(func(st *state) {
		cur, ok := st.notes[abs]
		switch {
		case !ok:
			opErr = fmt.Errorf("session: delete %s: %w", path, apperr.ErrNotFound)
		case st.pipe.State(abs) == save.Saving:
			opErr = fmt.Errorf("session: delete %s: save in progress: %w", path, apperr.ErrConflict)
		case cur.Unsaved:
			st.pipe.Abandon(abs)
			delete(st.notes, abs)
			st.publishNotes()
		default:
			onDisk = true
			st.rec.RegisterWrite(abs, "")
		}
	}); err != nil {
		return err
	}
	if opErr != nil || !onDisk {
		return opErr
	}

	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: delete %s: %w", path, err)
	}
	return s.call(func(st *state) {
		st.pipe.Abandon(abs)
		delete(st.notes, abs)
		if st.open == abs {
			st.open = ""
		}
		metrics.SetBlockedNotes(st.pipe.BlockedCount())
		st.publishNotes()
	})
}

// Rename moves path to newPath inside the folder. The note keeps its identity
// and any buffered edits.
func (s *Session) Rename(path, newPath string) (models.Note, error) {
	from, err := s.resolve(path)
	if err != nil {
		return models.Note{}, err
	}
	to, err := s.resolve(newPath)
	if err != nil {
		return models.Note{}, err
	}
	if !s.filter.IsNote(filepath.Base(to)) {
		return models.Note{}, fmt.Errorf("%w: not a note file: %s", apperr.ErrInvalidPath, newPath)
	}
	if from == to {
		return s.Lookup(from)
	}
	if _, err := os.Stat(to); err == nil {
		return models.Note{}, fmt.Errorf("session: rename to %s: %w", newPath, apperr.ErrAlreadyExists)
	}
	toRel, _ := s.fs.Rel(to)

	var (
		unsaved bool
		opErr   error
	)
	if err := s.call(func(st *state) {
		cur, ok := st.notes[from]
		switch {
		case !ok:
			opErr = fmt.Errorf("session: rename %s: %w", path, apperr.ErrNotFound)
		case st.notes[to] != nil:
			opErr = fmt.Errorf("session: rename to %s: %w", newPath, apperr.ErrAlreadyExists)
		case st.pipe.State(from) == save.Saving:
			opErr = fmt.Errorf("session: rename %s: save in progress: %w", path, apperr.ErrConflict)
		default:
			unsaved = cur.Unsaved
		}
	}); err != nil {
		return models.Note{}, err
	}
	if opErr != nil {
		return models.Note{}, opErr
	}

	if !unsaved {
		content, err := os.ReadFile(from)
		if err != nil {
			return models.Note{}, fmt.Errorf("session: rename %s: %w", path, err)
		}
		hash := checksum.Sum(content)
		if err := s.call(func(st *state) {
			st.rec.RegisterWrite(from, "")
			st.rec.RegisterWrite(to, hash)
		}); err != nil {
			return models.Note{}, err
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return models.Note{}, fmt.Errorf("session: rename %s: %w", path, err)
		}
		if err := os.Rename(from, to); err != nil {
			return models.Note{}, fmt.Errorf("session: rename %s: %w", path, err)
		}
	}

	var n models.Note
	err = s.call(func(st *state) {
		cur, ok := st.notes[from]
		if !ok {
			// Removed while the file was moving; the watcher will index it.
			return
		}
		delete(st.notes, from)
		cur.SetPath(to, toRel)
		st.notes[to] = cur
		st.rec.Move(from, to)
		st.pipe.Rebind(from, to)
		if st.open == from {
			st.open = to
		}
		n = *cur
		st.publishNotes()
	})
	return n, err
}

// Rescan runs a full discovery pass and waits for it. The index is corrected
// against what is on disk and the watcher is restarted if it had stopped.
func (s *Session) Rescan(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.call(func(st *state) { st.startScan(done) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return apperr.ErrClosed
	}
}

// Subscribe returns a stream of session events, starting with the current
// note list. The channel is closed by cancel or when the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	sub := newSubscriber()
	err := s.call(func(st *state) {
		st.subs[sub] = struct{}{}
		sub.push(Event{Type: EventNotes, Notes: st.snapshot()})
	})
	if err != nil {
		sub.close()
		return sub.out, func() {}
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = s.call(func(st *state) {
				if _, ok := st.subs[sub]; ok {
					delete(st.subs, sub)
					sub.close()
				}
			})
		})
	}
	return sub.out, cancel
}

// Status reports the session state.
func (s *Session) Status() (Status, error) {
	var out Status
	err := s.call(func(st *state) {
		out = Status{
			Folder:       s.fs.Root(),
			Notes:        len(st.notes),
			Ready:        st.ready,
			Scanning:     st.scanning,
			Watching:     s.watcher.IsWatching(),
			Open:         st.open,
			Pending:      st.pipe.Pending(),
			RecentWrites: st.rec.Pending(),
		}
		for _, p := range out.Pending {
			if e, blocked := st.pipe.Blocked(p); blocked {
				out.Blocked = append(out.Blocked, BlockedNote{Path: p, Kind: e.Kind, Error: e.Err.Error()})
			}
		}
	})
	return out, err
}
