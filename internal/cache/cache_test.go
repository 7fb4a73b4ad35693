package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/quire/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleNotes(folder string) []models.Note {
	a := models.NewNote(filepath.Join(folder, "a.md"), "a.md", time.Unix(100, 5), "Alpha", "alpha body")
	b := models.NewNote(filepath.Join(folder, "sub/b.txt"), "sub/b.txt", time.Unix(200, 0), "Beta", "")
	draft := models.NewNote(filepath.Join(folder, "draft.md"), "draft.md", time.Unix(300, 0), "", "")
	draft.Unsaved = true
	return []models.Note{b, a, draft}
}

func wantEntries() []models.CachedEntry {
	return []models.CachedEntry{
		{RelPath: "sub/b.txt", ModTime: time.Unix(200, 0), Title: "Beta"},
		{RelPath: "a.md", ModTime: time.Unix(100, 5), Title: "Alpha", Preview: "alpha body"},
	}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"file", func(t *testing.T) Store { return NewFileStore(t.TempDir(), quietLogger()) }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func sortEntries(entries []models.CachedEntry) []models.CachedEntry {
	out := append([]models.CachedEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

func TestStore_RoundTripDropsUnsaved(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			folder := t.TempDir()
			if err := s.Save(context.Background(), sampleNotes(folder), folder); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, ok := s.Load(folder)
			if !ok {
				t.Fatal("Load missed after Save")
			}
			if diff := cmp.Diff(sortEntries(wantEntries()), sortEntries(got)); diff != "" {
				t.Errorf("entries (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_MissingFolderIsMiss(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			if _, ok := b.open(t).Load(t.TempDir()); ok {
				t.Error("expected miss for unknown folder")
			}
		})
	}
}

func TestStore_InvalidateThenMiss(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			folder := t.TempDir()
			if err := s.Save(context.Background(), sampleNotes(folder), folder); err != nil {
				t.Fatal(err)
			}
			if err := s.Invalidate(folder); err != nil {
				t.Fatalf("Invalidate: %v", err)
			}
			if _, ok := s.Load(folder); ok {
				t.Error("expected miss after Invalidate")
			}
			if err := s.Invalidate(folder); err != nil {
				t.Errorf("second Invalidate: %v", err)
			}
		})
	}
}

func TestStore_ReplacesPreviousSnapshot(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			folder := t.TempDir()
			if err := s.Save(context.Background(), sampleNotes(folder), folder); err != nil {
				t.Fatal(err)
			}
			only := models.NewNote(filepath.Join(folder, "c.md"), "c.md", time.Unix(9, 0), "C", "")
			if err := s.Save(context.Background(), []models.Note{only}, folder); err != nil {
				t.Fatal(err)
			}
			got, ok := s.Load(folder)
			if !ok || len(got) != 1 || got[0].RelPath != "c.md" {
				t.Errorf("Load = %v, %v; want only c.md", got, ok)
			}
		})
	}
}

func writeEnvelope(t *testing.T, s *FileStore, folder string, env any) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path(folder), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileStore_VersionZeroIsMiss(t *testing.T) {
	s := NewFileStore(t.TempDir(), quietLogger())
	folder := t.TempDir()
	writeEnvelope(t, s, folder, models.CacheEnvelope{
		Version:    0,
		FolderPath: folder,
		Notes:      []models.CachedEntry{{RelPath: "a.md", Title: "A"}},
	})
	if _, ok := s.Load(folder); ok {
		t.Error("version 0 envelope must be treated as absent")
	}
}

func TestFileStore_ForeignFolderIsMiss(t *testing.T) {
	s := NewFileStore(t.TempDir(), quietLogger())
	folder := t.TempDir()
	writeEnvelope(t, s, folder, models.CacheEnvelope{
		Version:    models.CacheFormatVersion,
		FolderPath: "/somewhere/else",
		Notes:      []models.CachedEntry{{RelPath: "a.md"}},
	})
	if _, ok := s.Load(folder); ok {
		t.Error("envelope for another folder must be treated as absent")
	}
}

func TestFileStore_CorruptIsMiss(t *testing.T) {
	s := NewFileStore(t.TempDir(), quietLogger())
	folder := t.TempDir()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.path(folder), []byte(`{"version": 1, "notes": [`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Load(folder); ok {
		t.Error("corrupt envelope must be treated as absent")
	}
}

func TestFileStore_EnvelopeFieldNames(t *testing.T) {
	s := NewFileStore(t.TempDir(), quietLogger())
	folder := t.TempDir()
	if err := s.Save(context.Background(), sampleNotes(folder), folder); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.path(folder))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"version", "folderPath", "notes"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("envelope missing %q", k)
		}
	}
	note := raw["notes"].([]any)[0].(map[string]any)
	for _, k := range []string{"relativePath", "modificationTime", "title", "contentPreview"} {
		if _, ok := note[k]; !ok {
			t.Errorf("entry missing %q", k)
		}
	}
}

func TestSQLiteStore_VersionMismatchIsMiss(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	folder := t.TempDir()
	if err := s.Save(context.Background(), sampleNotes(folder), folder); err != nil {
		t.Fatal(err)
	}
	if _, err := s.conn.Exec(`UPDATE envelopes SET version = 0`); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Load(folder); ok {
		t.Error("version mismatch must be treated as absent")
	}
}

func TestKey_StableAcrossRelativeForms(t *testing.T) {
	dir := t.TempDir()
	if Key(dir) != Key(dir+string(os.PathSeparator)) {
		t.Error("trailing separator changed the key")
	}
	if Key(dir) == Key(t.TempDir()) {
		t.Error("different folders share a key")
	}
}

// countingStore records saves and blocks each one on gate.
type countingStore struct {
	Store
	gate  chan struct{}
	saves atomic.Int32
	last  atomic.Value
}

func (c *countingStore) Save(ctx context.Context, notes []models.Note, folder string) error {
	<-c.gate
	c.saves.Add(1)
	c.last.Store(len(notes))
	return c.Store.Save(ctx, notes, folder)
}

func TestAsync_LatestWins(t *testing.T) {
	inner := &countingStore{Store: NewFileStore(t.TempDir(), quietLogger()), gate: make(chan struct{})}
	a := NewAsync(inner, quietLogger())
	folder := t.TempDir()

	one := sampleNotes(folder)[:1]
	a.SaveAsync(one, folder)
	// Whether or not the first save has started, the middle snapshot is superseded.
	a.SaveAsync(sampleNotes(folder)[:2], folder)
	a.SaveAsync(sampleNotes(folder), folder)
	close(inner.gate)
	a.Wait()

	if n := inner.saves.Load(); n < 1 || n > 2 {
		t.Errorf("saves = %d, want 1 or 2", n)
	}
	if last := inner.last.Load().(int); last != 3 {
		t.Errorf("last snapshot had %d notes, want 3", last)
	}
	got, ok := a.Load(folder)
	if !ok || len(got) != 2 {
		t.Errorf("Load = %d entries, %v; want 2", len(got), ok)
	}
}

func TestAsync_InvalidateDropsPending(t *testing.T) {
	inner := &countingStore{Store: NewFileStore(t.TempDir(), quietLogger()), gate: make(chan struct{})}
	a := NewAsync(inner, quietLogger())
	folder := t.TempDir()

	a.SaveAsync(sampleNotes(folder), folder)
	a.SaveAsync(sampleNotes(folder), folder)
	done := make(chan error, 1)
	go func() { done <- a.Invalidate(folder) }()
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	if err := <-done; err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := a.Load(folder); ok {
		t.Error("cache resurrected after Invalidate")
	}
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", BackendFile, BackendSQLite} {
		s, closeFn, err := Open(name, dir, quietLogger())
		if err != nil {
			t.Fatalf("Open(%q): %v", name, err)
		}
		if s == nil {
			t.Fatalf("Open(%q) returned nil store", name)
		}
		_ = closeFn()
	}
	if _, _, err := Open("redis", dir, quietLogger()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
