// Package cache persists note metadata between runs so a folder can be shown
// before the first scan completes. Cached entries are never trusted: the
// session validates every one against a fresh scan.
package cache

import (
	"context"
	"path/filepath"

	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/models"
)

// Store is a metadata cache backend. Load never fails outward: a missing,
// unreadable, corrupt, foreign or wrong-version envelope is a miss.
type Store interface {
	Load(folder string) ([]models.CachedEntry, bool)
	Save(ctx context.Context, notes []models.Note, folder string) error
	Invalidate(folder string) error
}

// Key derives the storage key for a folder from its absolute path.
func Key(folder string) string {
	return checksum.String(absFolder(folder))
}

func absFolder(folder string) string {
	if abs, err := filepath.Abs(folder); err == nil {
		return abs
	}
	return filepath.Clean(folder)
}
