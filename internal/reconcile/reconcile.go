// Package reconcile decides what a classified filesystem change means for the
// index: the echo of our own save, a no-op touch, or a genuine external edit.
//
// Reconciler holds the RecentWrite set and the last-known content hash per
// path. It is not safe for concurrent use; the session's owner goroutine is
// its only caller. File I/O happens beforehand in Probe.
package reconcile

import (
	"time"

	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/watcher"
)

// DefaultTTL is how long a RecentWrite suppresses the echo of a save.
const DefaultTTL = 3 * time.Second

// NoticeKind is what an external change did to a note.
type NoticeKind string

const (
	NoticeModified NoticeKind = "modified"
	NoticeDeleted  NoticeKind = "deleted"
)

// Notice tells the edit surface that a note changed behind its back. Conflict
// is set when the session holds unsaved edits for Path, in which case neither
// side may be overwritten without asking.
type Notice struct {
	Path     string     `json:"path"`
	Kind     NoticeKind `json:"kind"`
	Conflict bool       `json:"conflict"`
}

// RecentWrite marks a save in flight or just completed.
type RecentWrite struct {
	Path   string
	Hash   string
	Expiry time.Time
}

// Action is the index mutation a decision calls for.
type Action uint8

const (
	Ignore Action = iota
	Upsert        // replace the record's metadata
	Touch         // refresh the modification time only
	Remove
)

// Reason explains a decision. It is used for logging and metrics.
type Reason string

const (
	ReasonSelfWrite Reason = "self-write"
	ReasonNoOp      Reason = "no-op"
	ReasonExternal  Reason = "external"
	ReasonNewFile   Reason = "new-file"
	ReasonUntracked Reason = "untracked"
)

// Decision is the outcome for one observation.
type Decision struct {
	Action Action
	Path   string
	Note   models.Note // fresh metadata; set for Upsert and Touch
	Notice *Notice
	Reason Reason
}

// Reconciler is the owner-side decision state.
type Reconciler struct {
	ttl    time.Duration
	now    func() time.Time
	recent map[string]RecentWrite
	hashes map[string]string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTTL sets the RecentWrite lifetime.
func WithTTL(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		ttl:    DefaultTTL,
		now:    time.Now,
		recent: make(map[string]RecentWrite),
		hashes: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterWrite records that content hashing to hash is about to be written
// to path. Must be called before the write is issued. An empty hash marks a
// deletion.
func (r *Reconciler) RegisterWrite(path, hash string) RecentWrite {
	rw := RecentWrite{Path: path, Hash: hash, Expiry: r.now().Add(r.ttl)}
	r.recent[path] = rw
	return rw
}

// Remember records the last known content hash for path (after a load, a
// save, or any full-content observation).
func (r *Reconciler) Remember(path, hash string) {
	r.hashes[path] = hash
}

// Known returns the last known hash for path.
func (r *Reconciler) Known(path string) (string, bool) {
	h, ok := r.hashes[path]
	return h, ok
}

// Forget drops every trace of path.
func (r *Reconciler) Forget(path string) {
	delete(r.hashes, path)
	delete(r.recent, path)
}

// Move carries the hash state of a renamed note over to its new path.
func (r *Reconciler) Move(from, to string) {
	if h, ok := r.hashes[from]; ok {
		r.hashes[to] = h
	}
	r.Forget(from)
}

// selfWrite reports whether an unexpired RecentWrite for path matches hash.
// Expired entries are pruned on the way.
func (r *Reconciler) selfWrite(path, hash string) bool {
	rw, ok := r.recent[path]
	if !ok {
		return false
	}
	if !r.now().Before(rw.Expiry) {
		delete(r.recent, path)
		return false
	}
	return rw.Hash == hash
}

// Expire prunes every expired RecentWrite and returns how many were removed.
func (r *Reconciler) Expire() int {
	now := r.now()
	n := 0
	for p, rw := range r.recent {
		if !now.Before(rw.Expiry) {
			delete(r.recent, p)
			n++
		}
	}
	return n
}

// Pending returns the number of live RecentWrite entries.
func (r *Reconciler) Pending() int {
	return len(r.recent)
}

// Decide classifies obs. indexed reports whether the index holds a record for
// obs.Path. The hash table is updated to reflect what was observed.
func (r *Reconciler) Decide(obs Observation, indexed bool) Decision {
	path := obs.Event.Path
	d := Decision{Path: path}

	if !obs.Exists {
		self := r.selfWrite(path, "")
		r.Forget(path)
		switch {
		case !indexed:
			d.Reason = ReasonUntracked
		case self:
			d.Action, d.Reason = Remove, ReasonSelfWrite
		default:
			d.Action, d.Reason = Remove, ReasonExternal
			d.Notice = &Notice{Path: path, Kind: NoticeDeleted}
		}
		return d
	}

	known, hadHash := r.hashes[path]
	r.hashes[path] = obs.Hash
	d.Note = obs.Note

	switch {
	case r.selfWrite(path, obs.Hash):
		d.Action, d.Reason = Upsert, ReasonSelfWrite
	case !indexed:
		d.Action, d.Reason = Upsert, ReasonNewFile
	case hadHash && known == obs.Hash:
		d.Action, d.Reason = Touch, ReasonNoOp
	default:
		// A created event on an indexed path is an editor's temp-file swap,
		// which is a modification of the same note.
		d.Action, d.Reason = Upsert, ReasonExternal
		d.Notice = &Notice{Path: path, Kind: NoticeModified}
	}
	return d
}

// Observation is a change event plus what was on disk when it was probed.
type Observation struct {
	Event  watcher.ChangeEvent
	Exists bool
	Hash   string
	Note   models.Note
}
