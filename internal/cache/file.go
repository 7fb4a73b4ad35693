package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/starford/quire/internal/models"
)

// FileStore keeps one JSON envelope per folder under dir.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}
}

func (s *FileStore) path(folder string) string {
	return filepath.Join(s.dir, Key(folder)+".json")
}

// Load returns the cached entries for folder, or false on any kind of miss.
func (s *FileStore) Load(folder string) ([]models.CachedEntry, bool) {
	folder = absFolder(folder)
	data, err := os.ReadFile(s.path(folder))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cache: read failed", slog.String("folder", folder), slog.String("error", err.Error()))
		}
		return nil, false
	}

	var env models.CacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("cache: corrupt envelope", slog.String("folder", folder), slog.String("error", err.Error()))
		return nil, false
	}
	if !env.Accepts(folder) {
		s.logger.Info("cache: envelope rejected",
			slog.String("folder", folder),
			slog.Int("version", env.Version),
			slog.String("envelope_folder", env.FolderPath))
		return nil, false
	}
	return env.Notes, true
}

// Save writes the saved notes of folder. Unsaved notes are dropped.
func (s *FileStore) Save(ctx context.Context, notes []models.Note, folder string) error {
	folder = absFolder(folder)
	env := models.CacheEnvelope{
		Version:    models.CacheFormatVersion,
		FolderPath: folder,
		Notes:      models.Entries(notes),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cache: create dir: %w", err)
	}
	if err := atomic.WriteFile(s.path(folder), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("cache: write: %w", err)
	}
	s.logger.Debug("cache: saved", slog.String("folder", folder), slog.Int("entries", len(env.Notes)))
	return nil
}

// Invalidate removes the envelope for folder. A missing envelope is not an error.
func (s *FileStore) Invalidate(folder string) error {
	err := os.Remove(s.path(folder))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
