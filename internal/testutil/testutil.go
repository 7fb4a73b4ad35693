// Package testutil provides shared test helpers for setting up note folders.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/quire/internal/storage"
)

// TestFolder creates a temporary note folder with a storage.Provider. The
// returned path is symlink-free so it compares equal to watcher paths.
func TestFolder(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// WriteNote writes content to rel under root, creating parent directories,
// and returns the absolute path. A non-zero mtime is applied afterwards.
func WriteNote(t *testing.T, root, rel, content string, mtime time.Time) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(abs, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	return abs
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
