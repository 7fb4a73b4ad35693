package api

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/save"
)

// Recovery actions for a blocked note.
const (
	ActionRetry   = "retry"
	ActionSaveAs  = "save-as"
	ActionAbandon = "abandon"
)

// CreateNoteRequest is the request body for creating a note. Content is
// optional; an empty note stays unsaved until its first edit.
type CreateNoteRequest struct {
	Path    string `json:"path" example:"notes/hello.md" validate:"required"`
	Content string `json:"content" example:"# Hello\nWorld"`
}

// Validate implements validation.Validatable.
func (r CreateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required, validation.Length(1, 1024)),
	)
}

// UpdateNoteRequest is the request body for editing a note buffer.
type UpdateNoteRequest struct {
	Content *string `json:"content" example:"# Updated\nContent" validate:"required"`
}

// Validate implements validation.Validatable.
func (r UpdateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.NotNil),
	)
}

// RenameRequest moves a note inside the folder.
type RenameRequest struct {
	From string `json:"from" example:"inbox/idea.md" validate:"required"`
	To   string `json:"to" example:"projects/idea.md" validate:"required"`
}

// Validate implements validation.Validatable.
func (r RenameRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.From, validation.Required),
		validation.Field(&r.To, validation.Required),
	)
}

// RecoveryRequest resolves a blocked note. Target is required for save-as
// and may be absolute.
type RecoveryRequest struct {
	Path   string `json:"path" example:"inbox/idea.md" validate:"required"`
	Action string `json:"action" example:"retry" enums:"retry,save-as,abandon" validate:"required"`
	Target string `json:"target,omitempty" example:"/tmp/idea.md"`
}

// Validate implements validation.Validatable.
func (r RecoveryRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.Action, validation.Required, validation.In(ActionRetry, ActionSaveAs, ActionAbandon)),
		validation.Field(&r.Target, validation.When(r.Action == ActionSaveAs, validation.Required)),
	)
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	ID         string    `json:"id" validate:"required"`
	Path       string    `json:"path" example:"notes/hello.md" validate:"required"`
	Title      string    `json:"title" example:"Hello" validate:"required"`
	Preview    string    `json:"preview" example:"World"`
	ModifiedAt time.Time `json:"modified_at"`
	Unsaved    bool      `json:"unsaved"`
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// NoteDetail is a note together with its current buffer.
type NoteDetail struct {
	NoteListItem
	Content  string `json:"content" example:"# Hello\nWorld"`
	Checksum string `json:"checksum" example:"abc123..."`
	Dirty    bool   `json:"dirty"`
}

// SaveErrorResponse describes a failed save.
type SaveErrorResponse struct {
	Error string    `json:"error" validate:"required"`
	Path  string    `json:"path" example:"notes/hello.md"`
	Op    string    `json:"op" example:"save"`
	Kind  save.Kind `json:"kind" example:"permission-denied"`
}

func toListItem(n models.Note) NoteListItem {
	return NoteListItem{
		ID:         n.ID,
		Path:       n.RelPath,
		Title:      n.Title,
		Preview:    n.Preview,
		ModifiedAt: n.ModTime,
		Unsaved:    n.Unsaved,
	}
}

func toListResponse(notes []models.Note) NoteListResponse {
	items := make([]NoteListItem, 0, len(notes))
	for _, n := range notes {
		items = append(items, toListItem(n))
	}
	return NoteListResponse{Notes: items, Total: len(items)}
}

// validationMessage flattens ozzo field errors into one line.
func validationMessage(err error) string {
	var errs validation.Errors
	if errors.As(err, &errs) {
		return errs.Error()
	}
	return err.Error()
}
