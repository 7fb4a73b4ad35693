// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes quire notes for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/save"
	"github.com/starford/quire/internal/session"
)

const formatURI = "quire://note-format"

// Notes is the session surface the tools use.
type Notes interface {
	Notes() ([]models.Note, error)
	Search(query string) ([]models.Note, error)
	Lookup(path string) (models.Note, error)
	Load(path string) ([]byte, error)
	NewNote(rel string) (models.Note, error)
	Edit(path string, content []byte) error
	Save(path string) error
	Status() (session.Status, error)
}

var _ Notes = (*session.Session)(nil)

// Server wraps the MCP server with quire tools.
type Server struct {
	mcp   *server.MCPServer
	notes Notes
}

// New creates a new MCP server with all quire tools registered.
func New(notes Notes, version string) *Server {
	s := &Server{notes: notes}

	s.mcp = server.NewMCPServer(
		"Quire",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, most recently modified first."),
		mcp.WithString("folder", mcp.Description("Optional folder prefix to restrict the listing")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Search note titles, paths and previews. Falls back to fuzzy matching when nothing contains the query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the current content of a note, including edits not yet on disk."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the note (e.g. folder/note.md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("save_note",
		mcp.WithDescription("Create or replace a note and write it to disk atomically. "+
			"Read the format first via the "+formatURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path of the note")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full note content")),
	), s.saveNote)

	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Report indexing state and notes blocked by failed saves."),
	), s.getStatus)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Note Format",
			mcp.WithResourceDescription("How quire derives titles and previews from note files."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// toolError renders err for the model; a failed save names its kind.
func toolError(path string, err error) *mcp.CallToolResult {
	var saveErr *save.Error
	switch {
	case errors.As(err, &saveErr):
		return mcp.NewToolResultError(fmt.Sprintf("save failed (%s): %s: %v", saveErr.Kind, path, saveErr.Err))
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path))
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func formatList(notes []models.Note) string {
	if len(notes) == 0 {
		return "no notes found"
	}
	var b strings.Builder
	for _, n := range notes {
		b.WriteString(n.RelPath)
		if n.Title != "" {
			b.WriteString("\t")
			b.WriteString(n.Title)
		}
		if n.Unsaved {
			b.WriteString("\t(unsaved)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.notes.Notes()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if folder := strings.Trim(req.GetString("folder", ""), "/"); folder != "" {
		prefix := folder + "/"
		filtered := notes[:0]
		for _, n := range notes {
			if strings.HasPrefix(n.RelPath, prefix) {
				filtered = append(filtered, n)
			}
		}
		notes = filtered
	}
	return mcp.NewToolResultText(formatList(notes)), nil
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	notes, err := s.notes.Search(query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(notes) > 20 {
		notes = notes[:20]
	}
	return mcp.NewToolResultText(formatList(notes)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.notes.Load(path)
	if err != nil {
		return toolError(path, err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) saveNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	verb := "updated"
	if _, err := s.notes.Lookup(path); errors.Is(err, apperr.ErrNotFound) {
		if _, err := s.notes.NewNote(path); err != nil {
			return toolError(path, err), nil
		}
		verb = "created"
	}
	if err := s.notes.Edit(path, []byte(content)); err != nil {
		return toolError(path, err), nil
	}
	if err := s.notes.Save(path); err != nil {
		return toolError(path, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s: %s", verb, path)), nil
}

func (s *Server) getStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.notes.Status()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     NoteFormat,
		},
	}, nil
}
