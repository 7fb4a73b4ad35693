package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/quire/internal/checksum"
)

// Handler holds API route handlers.
type Handler struct {
	notes Notes
}

// NewHandler creates a new Handler.
func NewHandler(notes Notes) *Handler {
	return &Handler{notes: notes}
}

// notePath extracts the note path from the URL (everything after /api/notes/).
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// detail loads path as the open note and builds its response.
func (h *Handler) detail(path string) (NoteDetail, error) {
	note, err := h.notes.Lookup(path)
	if err != nil {
		return NoteDetail{}, err
	}
	content, err := h.notes.Load(path)
	if err != nil {
		return NoteDetail{}, err
	}
	dirty, err := h.notes.Dirty(path)
	if err != nil {
		return NoteDetail{}, err
	}
	return NoteDetail{
		NoteListItem: toListItem(note),
		Content:      string(content),
		Checksum:     checksum.Sum(content),
		Dirty:        dirty,
	}, nil
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes by recency, optionally filtered
//	@Tags			notes
//	@Produce		json
//	@Param			q		query		string	false	"Substring or fuzzy query over title, path and preview"
//	@Param			limit	query		int		false	"Maximum number of notes"
//	@Success		200		{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	notes, err := h.notes.Search(q.Get("q"))
	if err != nil {
		writeError(w, "list notes", "", err)
		return
	}
	if limit, _ := strconv.Atoi(q.Get("limit")); limit > 0 && limit < len(notes) {
		notes = notes[:limit]
	}
	writeJSON(w, http.StatusOK, toListResponse(notes))
}

// GetNote handles GET /api/notes/*.
//
//	@Summary		Open a note and return its current buffer
//	@Tags			notes
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	NoteDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	note, err := h.detail(path)
	if err != nil {
		writeError(w, "get note", path, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		423		{object}	SaveErrorResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.notes.NewNote(req.Path); err != nil {
		writeError(w, "create note", req.Path, err)
		return
	}
	if req.Content != "" {
		if err := h.notes.Edit(req.Path, []byte(req.Content)); err != nil {
			writeError(w, "create note", req.Path, err)
			return
		}
		if err := h.notes.Save(req.Path); err != nil {
			writeError(w, "create note", req.Path, err)
			return
		}
	}
	note, err := h.detail(req.Path)
	if err != nil {
		writeError(w, "create note", req.Path, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/*.
//
//	@Summary		Replace a note buffer, optionally saving immediately
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			path		path	string				true	"Note path"
//	@Param			flush		query	bool				false	"Write to disk before responding"
//	@Param			If-Match	header	string				false	"SHA-256 checksum of the buffer being replaced"
//	@Param			body		body	UpdateNoteRequest	true	"Updated content"
//	@Success		200		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		423		{object}	SaveErrorResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req UpdateNoteRequest
	if !decode(w, r, &req) {
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		current, err := h.notes.Load(path)
		if err != nil {
			writeError(w, "update note", path, err)
			return
		}
		if checksum.Sum(current) != ifMatch {
			writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
			return
		}
	}

	if err := h.notes.Edit(path, []byte(*req.Content)); err != nil {
		writeError(w, "update note", path, err)
		return
	}
	if flush, _ := strconv.ParseBool(r.URL.Query().Get("flush")); flush {
		if err := h.notes.Save(path); err != nil {
			writeError(w, "update note", path, err)
			return
		}
	}
	note, err := h.detail(path)
	if err != nil {
		writeError(w, "update note", path, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/*.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			path	path	string	true	"Note path"
//	@Success		204		"Note deleted"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{path} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.notes.Delete(path); err != nil {
		writeError(w, "delete note", path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameNote handles POST /api/rename.
//
//	@Summary		Move a note, keeping its identity
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RenameRequest	true	"Source and destination"
//	@Success		200		{object}	NoteListItem
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rename [post]
func (h *Handler) RenameNote(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decode(w, r, &req) {
		return
	}
	note, err := h.notes.Rename(req.From, req.To)
	if err != nil {
		writeError(w, "rename note", req.From, err)
		return
	}
	writeJSON(w, http.StatusOK, toListItem(note))
}

// Recover handles POST /api/recovery.
//
//	@Summary		Resolve a note blocked by a failed save
//	@Tags			notes
//	@Accept			json
//	@Param			body	body	RecoveryRequest	true	"Recovery action"
//	@Success		204		"Resolved"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		423		{object}	SaveErrorResponse
//	@Security		BearerAuth
//	@Router			/recovery [post]
func (h *Handler) Recover(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if !decode(w, r, &req) {
		return
	}
	var err error
	switch req.Action {
	case ActionRetry:
		err = h.notes.Retry(req.Path)
	case ActionSaveAs:
		err = h.notes.SaveAs(req.Path, req.Target)
	case ActionAbandon:
		err = h.notes.Abandon(req.Path)
	}
	if err != nil {
		writeError(w, req.Action, req.Path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Rescan handles POST /api/rescan.
//
//	@Summary		Re-walk the folder and reconcile the index
//	@Tags			session
//	@Success		204	"Scan finished"
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rescan [post]
func (h *Handler) Rescan(w http.ResponseWriter, r *http.Request) {
	if err := h.notes.Rescan(r.Context()); err != nil {
		writeError(w, "rescan", "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /api/status.
//
//	@Summary		Session status including blocked notes
//	@Tags			session
//	@Produce		json
//	@Success		200	{object}	session.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	st, err := h.notes.Status()
	if err != nil {
		writeError(w, "status", "", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
