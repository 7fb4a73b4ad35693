package api

import (
	"context"

	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/session"
)

// Notes is the session surface the API layer drives.
type Notes interface {
	Notes() ([]models.Note, error)
	Search(query string) ([]models.Note, error)
	Lookup(path string) (models.Note, error)
	Load(path string) ([]byte, error)
	Dirty(path string) (bool, error)
	Edit(path string, content []byte) error
	Save(path string) error
	NewNote(rel string) (models.Note, error)
	Delete(path string) error
	Rename(path, newPath string) (models.Note, error)
	Retry(path string) error
	SaveAs(path, alt string) error
	Abandon(path string) error
	Rescan(ctx context.Context) error
	Status() (session.Status, error)
}

var _ Notes = (*session.Session)(nil)
