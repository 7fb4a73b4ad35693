// Package storage implements the note folder's file operations, including the
// atomic write used by the save pipeline.
package storage

// Provider is the file-operation surface the session depends on.
type Provider interface {
	// Root returns the absolute path of the watched folder.
	Root() string
	// Resolve maps a relative or absolute note path to an absolute path under Root.
	Resolve(path string) (string, error)
	// Rel returns the slash-separated path relative to Root.
	Rel(abs string) (string, bool)
	// Read returns the full content of the note at path.
	Read(path string) ([]byte, error)
	// WriteAtomic replaces the note at path with content via a temp sibling.
	WriteAtomic(path string, content []byte) error
	// Delete removes the note at path.
	Delete(path string) error
}

var _ Provider = (*FS)(nil)
