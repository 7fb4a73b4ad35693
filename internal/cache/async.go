package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open builds the configured backend under dir. An empty dir resolves to the
// user cache directory.
func Open(backend, dir string, logger *slog.Logger) (Store, func() error, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, nil, fmt.Errorf("cache: resolve dir: %w", err)
		}
		dir = filepath.Join(base, "quire")
	}
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir, logger), func() error { return nil }, nil
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("cache: create dir: %w", err)
		}
		s, err := OpenSQLite(filepath.Join(dir, "cache.db"), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("cache: unknown backend %q", backend)
	}
}

type saveJob struct {
	notes  []models.Note
	folder string
}

// Async moves saves off the caller's path. Pending saves coalesce: only the
// most recent snapshot is written. Save errors are logged, never returned.
type Async struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	pending *saveJob
	running bool
	wg      sync.WaitGroup
}

// NewAsync wraps store.
func NewAsync(store Store, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{store: store, logger: logger}
}

// Load delegates to the wrapped store and records the lookup.
func (a *Async) Load(folder string) ([]models.CachedEntry, bool) {
	entries, ok := a.store.Load(folder)
	metrics.RecordCacheLookup(ok)
	return entries, ok
}

// SaveAsync schedules a save of a copy of notes and returns immediately.
func (a *Async) SaveAsync(notes []models.Note, folder string) {
	snapshot := make([]models.Note, len(notes))
	copy(snapshot, notes)

	a.mu.Lock()
	a.pending = &saveJob{notes: snapshot, folder: folder}
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.wg.Add(1)
	a.mu.Unlock()

	go a.drain()
}

func (a *Async) drain() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		job := a.pending
		a.pending = nil
		if job == nil {
			a.running = false
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		if err := a.store.Save(context.Background(), job.notes, job.folder); err != nil {
			a.logger.Warn("cache: save failed", slog.String("folder", job.folder), slog.String("error", err.Error()))
		}
	}
}

// Wait blocks until every scheduled save has been written.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Invalidate drops any pending save, waits for an in-flight one, then removes
// the stored envelope so it cannot be resurrected afterwards.
func (a *Async) Invalidate(folder string) error {
	a.mu.Lock()
	if a.pending != nil && a.pending.folder == folder {
		a.pending = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
	return a.store.Invalidate(folder)
}
