// Package save tracks in-memory edit buffers and their autosave state. A
// failed save blocks its note until the caller picks a recovery path; nothing
// here ever retries on its own.
//
// Pipeline is not safe for concurrent use. The session's owner goroutine
// drives it; debounce timers only call the fire callback.
package save

import (
	"fmt"
	"sort"
	"time"
)

// DefaultDebounce is the quiet period after the last edit before an autosave.
const DefaultDebounce = 500 * time.Millisecond

// State of one buffer.
type State uint8

const (
	Clean State = iota
	Dirty
	Saving
	Blocked
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Saving:
		return "saving"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Buffer is the in-memory content of one note.
type Buffer struct {
	Path         string
	Content      []byte
	Version      uint64
	SavedVersion uint64
	State        State
	Err          *Error

	timer *time.Timer
}

// Snapshot is the content handed to a writer.
type Snapshot struct {
	Path    string
	Content []byte
	Version uint64
}

// Pipeline owns every edit buffer of a session.
type Pipeline struct {
	debounce time.Duration
	fire     func(path string)
	buffers  map[string]*Buffer
}

// NewPipeline creates a Pipeline. fire is called from a timer goroutine when a
// note's debounce elapses; it must hand the path back to the owner.
func NewPipeline(debounce time.Duration, fire func(path string)) *Pipeline {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Pipeline{debounce: debounce, fire: fire, buffers: make(map[string]*Buffer)}
}

// Track registers a buffer with no pending edits, e.g. a new unsaved note.
func (p *Pipeline) Track(path string, content []byte) {
	if _, ok := p.buffers[path]; ok {
		return
	}
	p.buffers[path] = &Buffer{Path: path, Content: content}
}

// Edit replaces the buffer content and (re)schedules the autosave.
func (p *Pipeline) Edit(path string, content []byte) error {
	b, ok := p.buffers[path]
	if !ok {
		b = &Buffer{Path: path}
		p.buffers[path] = b
	}
	if b.State == Blocked {
		return ErrBlocked
	}
	b.Content = content
	b.Version++
	if b.State != Saving {
		b.State = Dirty
	}
	p.schedule(b)
	return nil
}

func (p *Pipeline) schedule(b *Buffer) {
	if b.timer != nil {
		b.timer.Stop()
	}
	path := b.Path
	b.timer = time.AfterFunc(p.debounce, func() { p.fire(path) })
}

func (p *Pipeline) cancel(b *Buffer) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Begin marks the buffer as saving and returns what to write. It reports
// false when there is nothing to save, a save is already in flight, or the
// buffer is blocked.
func (p *Pipeline) Begin(path string) (Snapshot, bool) {
	b, ok := p.buffers[path]
	if !ok || b.State != Dirty {
		return Snapshot{}, false
	}
	p.cancel(b)
	b.State = Saving
	return Snapshot{Path: path, Content: b.Content, Version: b.Version}, true
}

// Complete records the outcome of writing version. A failure blocks the
// buffer and keeps its content. A success with newer edits pending leaves the
// buffer dirty and reschedules it.
func (p *Pipeline) Complete(path string, version uint64, err *Error) {
	b, ok := p.buffers[path]
	if !ok {
		return
	}
	if err != nil {
		p.cancel(b)
		b.State = Blocked
		b.Err = err
		return
	}
	if version > b.SavedVersion {
		b.SavedVersion = version
	}
	b.Err = nil
	if b.Version > b.SavedVersion {
		b.State = Dirty
		p.schedule(b)
		return
	}
	b.State = Clean
}

// Snapshot returns the current content of path without changing its state.
func (p *Pipeline) Snapshot(path string) (Snapshot, bool) {
	b, ok := p.buffers[path]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Path: path, Content: b.Content, Version: b.Version}, true
}

// Retry moves a blocked buffer back to saving and returns the identical
// content for another attempt.
func (p *Pipeline) Retry(path string) (Snapshot, error) {
	b, ok := p.buffers[path]
	if !ok || b.State != Blocked {
		return Snapshot{}, fmt.Errorf("save: %s is not blocked", path)
	}
	b.State = Saving
	return Snapshot{Path: path, Content: b.Content, Version: b.Version}, nil
}

// Rebind moves the buffer of from to the path to, as after a successful
// save-as. Any buffer already at to is replaced.
func (p *Pipeline) Rebind(from, to string) {
	b, ok := p.buffers[from]
	if !ok {
		return
	}
	delete(p.buffers, from)
	if old, ok := p.buffers[to]; ok {
		p.cancel(old)
	}
	b.Path = to
	p.buffers[to] = b
	if b.timer != nil {
		p.schedule(b)
	}
}

// Abandon discards the buffer and its unsaved content. It cannot be undone.
func (p *Pipeline) Abandon(path string) bool {
	b, ok := p.buffers[path]
	if !ok {
		return false
	}
	p.cancel(b)
	delete(p.buffers, path)
	return true
}

// Dirty reports whether path has edits that are not yet on disk.
func (p *Pipeline) Dirty(path string) bool {
	b, ok := p.buffers[path]
	return ok && b.Version > b.SavedVersion
}

// Blocked returns the failure blocking path, if any.
func (p *Pipeline) Blocked(path string) (*Error, bool) {
	b, ok := p.buffers[path]
	if !ok || b.State != Blocked {
		return nil, false
	}
	return b.Err, true
}

// State returns the buffer state of path; untracked paths are clean.
func (p *Pipeline) State(path string) State {
	if b, ok := p.buffers[path]; ok {
		return b.State
	}
	return Clean
}

// Content returns the buffered content of path.
func (p *Pipeline) Content(path string) ([]byte, bool) {
	b, ok := p.buffers[path]
	if !ok {
		return nil, false
	}
	return b.Content, true
}

// Pending lists paths with unsaved content, sorted.
func (p *Pipeline) Pending() []string {
	var out []string
	for path, b := range p.buffers {
		if b.Version > b.SavedVersion {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// BlockedCount returns the number of blocked buffers.
func (p *Pipeline) BlockedCount() int {
	n := 0
	for _, b := range p.buffers {
		if b.State == Blocked {
			n++
		}
	}
	return n
}

// Release drops clean buffers other than keep, so memory only holds notes
// that are open or unsaved.
func (p *Pipeline) Release(keep string) {
	for path, b := range p.buffers {
		if path != keep && b.State == Clean && b.Version == b.SavedVersion && b.Version > 0 {
			p.cancel(b)
			delete(p.buffers, path)
		}
	}
}

// StopTimers cancels every scheduled autosave.
func (p *Pipeline) StopTimers() {
	for _, b := range p.buffers {
		p.cancel(b)
	}
}
