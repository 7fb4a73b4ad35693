package watcher

import (
	"path/filepath"

	"github.com/starford/quire/internal/discovery"
)

// Op is the set of raw flags observed for a path.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// RawEvent is one undebounced notification.
type RawEvent struct {
	Path string
	Op   Op
}

// Kind classifies a drained path.
type Kind uint8

const (
	Created Kind = iota + 1
	Modified
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is the classified result for one path in one drain. Dir is set
// on a Deleted event for a directory that was being watched, meaning every
// note below Path is gone as well.
type ChangeEvent struct {
	Kind Kind
	Path string
	Dir  bool
}

// Env is what classification needs to know about the filesystem at drain time.
type Env struct {
	// Stat reports whether path exists now and whether it is a directory.
	Stat func(path string) (isDir, exists bool)
	// WasDir reports whether path was a watched directory.
	WasDir func(path string) bool
	Filter discovery.Filter
}

// Classify folds a drained buffer into at most one event per path, in the
// order each path was first observed. Flags seen for a path during the window
// are combined and resolved in priority order: remove, rename, create, write.
// Metadata-only changes are dropped.
//
// A removal followed by re-creation inside one window resolves to Created
// when the path exists at drain time.
func Classify(pending []RawEvent, env Env) []ChangeEvent {
	if len(pending) == 0 {
		return nil
	}
	order := make([]string, 0, len(pending))
	flags := make(map[string]Op, len(pending))
	for _, ev := range pending {
		if _, seen := flags[ev.Path]; !seen {
			order = append(order, ev.Path)
		}
		flags[ev.Path] |= ev.Op
	}

	var out []ChangeEvent
	for _, path := range order {
		op := flags[path]
		if op&(OpCreate|OpWrite|OpRemove|OpRename) == 0 {
			continue
		}
		isDir, exists := env.Stat(path)
		isNote := env.Filter.IsNote(filepath.Base(path))

		switch {
		case op&(OpRemove|OpRename) != 0:
			switch {
			case !exists:
				wasDir := env.WasDir != nil && env.WasDir(path)
				if isNote || wasDir {
					out = append(out, ChangeEvent{Kind: Deleted, Path: path, Dir: wasDir})
				}
			case !isDir && isNote:
				out = append(out, ChangeEvent{Kind: Created, Path: path})
			}
		case op&OpCreate != 0:
			if exists && !isDir && isNote {
				out = append(out, ChangeEvent{Kind: Created, Path: path})
			}
		case op&OpWrite != 0:
			if exists && !isDir && isNote {
				out = append(out, ChangeEvent{Kind: Modified, Path: path})
			}
		}
	}
	return out
}
