// Package models defines the domain types for quire.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CacheFormatVersion is the current CacheEnvelope format. Envelopes carrying
// any other version are treated as absent.
const CacheFormatVersion = 1

// Note is one indexed text file. Path is the only field that identifies the
// file on disk; ID survives renames within a session.
type Note struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	RelPath string    `json:"relative_path"`
	ModTime time.Time `json:"modification_time"`
	Title   string    `json:"title"`
	Preview string    `json:"content_preview"`
	Unsaved bool      `json:"is_unsaved"`

	titleLower   string
	pathLower    string
	previewLower string
}

// NewNote builds a note with a fresh identity and its search projections.
func NewNote(path, relPath string, modTime time.Time, title, preview string) Note {
	n := Note{
		ID:      uuid.NewString(),
		ModTime: modTime,
	}
	n.SetPath(path, relPath)
	n.SetContent(title, preview)
	return n
}

// SetPath updates location fields and the lowercase path projection.
func (n *Note) SetPath(path, relPath string) {
	n.Path = path
	n.RelPath = relPath
	n.pathLower = strings.ToLower(relPath)
}

// SetContent updates title and preview and their projections.
func (n *Note) SetContent(title, preview string) {
	n.Title = title
	n.Preview = preview
	n.titleLower = strings.ToLower(title)
	n.previewLower = strings.ToLower(preview)
}

// Refresh copies the on-disk observation from fresh into n, keeping n's ID.
func (n *Note) Refresh(fresh Note) {
	n.SetPath(fresh.Path, fresh.RelPath)
	n.SetContent(fresh.Title, fresh.Preview)
	n.ModTime = fresh.ModTime
	n.Unsaved = false
}

// Matches reports whether the lowercase query is a substring of the title,
// relative path or preview. Projections are only populated through SetPath
// and SetContent.
func (n *Note) Matches(lowerQuery string) bool {
	return strings.Contains(n.titleLower, lowerQuery) ||
		strings.Contains(n.pathLower, lowerQuery) ||
		strings.Contains(n.previewLower, lowerQuery)
}

// SortByRecency orders notes by descending modification time. The sort is
// stable so equal mtimes keep their discovery order.
func SortByRecency(notes []Note) {
	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].ModTime.After(notes[j].ModTime)
	})
}

// CachedEntry is the persisted subset of a Note.
type CachedEntry struct {
	RelPath string    `json:"relativePath"`
	ModTime time.Time `json:"modificationTime"`
	Title   string    `json:"title"`
	Preview string    `json:"contentPreview"`
}

// CacheEnvelope is the versioned container written by the metadata cache.
type CacheEnvelope struct {
	Version    int           `json:"version"`
	FolderPath string        `json:"folderPath"`
	Notes      []CachedEntry `json:"notes"`
}

// Accepts reports whether the envelope may be trusted for folder.
func (e *CacheEnvelope) Accepts(folder string) bool {
	return e.Version == CacheFormatVersion && e.FolderPath == folder
}

// Entries converts notes into cache entries, dropping unsaved ones.
func Entries(notes []Note) []CachedEntry {
	out := make([]CachedEntry, 0, len(notes))
	for _, n := range notes {
		if n.Unsaved {
			continue
		}
		out = append(out, CachedEntry{
			RelPath: n.RelPath,
			ModTime: n.ModTime,
			Title:   n.Title,
			Preview: n.Preview,
		})
	}
	return out
}
