package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// Replacer moves a fully written temp file over its target.
type Replacer func(tmp, target string) error

// FS is rooted at the watched folder. Note paths handed to it may be absolute
// (inside root) or relative to root.
type FS struct {
	root    string // absolute path to the watched folder
	replace Replacer
}

// Option configures an FS.
type Option func(*FS)

// WithReplacer overrides the final replace step of WriteAtomic.
func WithReplacer(r Replacer) Option {
	return func(f *FS) { f.replace = r }
}

// NewFS creates a new FS rooted at the given directory.
// The directory must already exist.
func NewFS(root string, opts ...Option) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	f := &FS{root: abs, replace: atomic.ReplaceFile}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the absolute folder path.
func (f *FS) Root() string {
	return f.root
}

// Resolve maps p to an absolute path under root and rejects anything that
// escapes it (directory traversal).
func (f *FS) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("storage: empty path")
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(f.root, filepath.Clean(filepath.FromSlash(p)))
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path escapes folder root: %s", p)
	}
	return abs, nil
}

// Rel returns the slash-separated path of abs relative to root.
func (f *FS) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Read returns the full content of a note.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// WriteAtomic writes content under root without ever exposing a partially
// written target.
func (f *FS) WriteAtomic(path string, content []byte) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	return WriteFileAtomic(abs, content, f.replace)
}

// Delete removes a note from the folder.
func (f *FS) Delete(path string) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// ReadHead reads at most n bytes from the start of the file at abs.
func ReadHead(abs string, n int) ([]byte, error) {
	file, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// TempName reports whether name looks like a temp file written by WriteFileAtomic.
func TempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

// WriteFileAtomic writes content to a hidden sibling of target (same
// directory, dotted name derived from the target), fsyncs it, then replaces
// target with it. The temp file is removed on every failure path. target may
// live outside any FS root (save-as to a user-chosen location).
func WriteFileAtomic(target string, content []byte, replace Replacer) error {
	if replace == nil {
		replace = atomic.ReplaceFile
	}
	dir := filepath.Dir(target)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("storage: target directory: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("storage: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := replace(tmpName, target); err != nil {
		return fmt.Errorf("storage: replace: %w", err)
	}
	success = true
	return nil
}
