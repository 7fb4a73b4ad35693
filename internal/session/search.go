package session

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/starford/quire/internal/models"
)

// noteSource exposes titles and paths to the fuzzy matcher.
type noteSource []models.Note

func (s noteSource) String(i int) string { return s[i].Title + " " + s[i].RelPath }
func (s noteSource) Len() int            { return len(s) }

// Search filters the index by case-insensitive substring over title, path and
// preview, keeping recency order. When nothing matches it falls back to a
// fuzzy match over titles and paths, best match first.
func (s *Session) Search(query string) ([]models.Note, error) {
	notes, err := s.Notes()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return notes, nil
	}

	var out []models.Note
	for i := range notes {
		if notes[i].Matches(q) {
			out = append(out, notes[i])
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	for _, m := range fuzzy.FindFrom(q, noteSource(notes)) {
		out = append(out, notes[m.Index])
	}
	return out, nil
}
