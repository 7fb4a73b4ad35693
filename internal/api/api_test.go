package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/natefinch/atomic"

	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/save"
	"github.com/starford/quire/internal/session"
	"github.com/starford/quire/internal/testutil"
)

// testEnv opens a session over a temp folder and mounts the router on it.
// An empty authToken means auth is disabled.
func testEnv(t *testing.T, authToken string) (*session.Session, http.Handler) {
	t.Helper()
	s, router, _ := testEnvWithFolder(t, authToken != "", authToken, nil)
	return s, router
}

func testEnvWithFolder(t *testing.T, authEnabled bool, authToken string, replace func(string, string) error) (*session.Session, http.Handler, string) {
	t.Helper()

	root, _ := testutil.TestFolder(t)
	s, err := session.Open(context.Background(), session.Options{
		Folder:        root,
		WatchDebounce: 30 * time.Millisecond,
		SaveDebounce:  time.Hour,
		Replacer:      replace,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("initial scan did not finish")
	}

	router := NewRouter(s, authEnabled, authToken, nil)
	return s, router, root
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetNote(t *testing.T) {
	_, router, root := testEnvWithFolder(t, false, "", nil)

	w := do(t, router, http.MethodPost, "/notes", map[string]string{"path": "hello.md", "content": "# Hello\nWorld"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	if data, _ := os.ReadFile(filepath.Join(root, "hello.md")); string(data) != "# Hello\nWorld" {
		t.Errorf("on disk = %q", data)
	}

	w = do(t, router, http.MethodGet, "/notes/hello.md", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Path != "hello.md" {
		t.Errorf("path = %q", note.Path)
	}
	if note.Title != "Hello" {
		t.Errorf("title = %q, want Hello", note.Title)
	}
	if note.Unsaved || note.Dirty {
		t.Errorf("note = %+v, want clean", note)
	}
}

func TestCreateWithoutContentStaysUnsaved(t *testing.T) {
	_, router, root := testEnvWithFolder(t, false, "", nil)

	w := do(t, router, http.MethodPost, "/notes", map[string]string{"path": "draft.md"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if !note.Unsaved {
		t.Error("new empty note should be unsaved")
	}
	if _, err := os.Stat(filepath.Join(root, "draft.md")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("draft written before first edit: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	_, router := testEnv(t, "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing path", map[string]string{"content": "x"}, http.StatusBadRequest},
		{"not a note", map[string]string{"path": "image.png"}, http.StatusBadRequest},
		{"escapes folder", map[string]string{"path": "../outside.md"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/notes", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t, "")

	body := map[string]string{"path": "dup.md", "content": "a"}
	if w := do(t, router, http.MethodPost, "/notes", body); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/notes", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodPost, "/notes", map[string]string{"path": "lock.md", "content": "v1"}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	raw, _ := json.Marshal(map[string]string{"content": "v2"})
	req := httptest.NewRequest(http.MethodPut, "/notes/lock.md", bytes.NewReader(raw))
	req.Header.Set("If-Match", `"stale"`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("stale If-Match = %d, want 409", w.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/notes/lock.md", bytes.NewReader(raw))
	req.Header.Set("If-Match", checksum.String("v1"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("matching If-Match = %d, body = %s", w.Code, w.Body.String())
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Content != "v2" || !note.Dirty || note.Checksum != checksum.String("v2") {
		t.Errorf("note = %+v", note)
	}
}

func TestUpdateWithFlush(t *testing.T) {
	_, router, root := testEnvWithFolder(t, false, "", nil)
	testutil.WriteNote(t, root, "a.md", "old", time.Time{})
	if w := do(t, router, http.MethodPost, "/rescan", nil); w.Code != http.StatusNoContent {
		t.Fatalf("rescan = %d", w.Code)
	}

	w := do(t, router, http.MethodPut, "/notes/a.md?flush=true", map[string]string{"content": "new"})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	if data, _ := os.ReadFile(filepath.Join(root, "a.md")); string(data) != "new" {
		t.Errorf("on disk = %q", data)
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Dirty {
		t.Error("dirty after flush")
	}
}

func TestUpdateRequiresContent(t *testing.T) {
	_, router := testEnv(t, "")
	_ = do(t, router, http.MethodPost, "/notes", map[string]string{"path": "a.md", "content": "x"})

	if w := do(t, router, http.MethodPut, "/notes/a.md", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing content = %d, want 400", w.Code)
	}
	// An explicit empty buffer is a valid edit.
	if w := do(t, router, http.MethodPut, "/notes/a.md", map[string]string{"content": ""}); w.Code != http.StatusOK {
		t.Errorf("empty content = %d, want 200", w.Code)
	}
}

func TestDeleteNote(t *testing.T) {
	_, router, root := testEnvWithFolder(t, false, "", nil)
	_ = do(t, router, http.MethodPost, "/notes", map[string]string{"path": "del.md", "content": "bye"})

	if w := do(t, router, http.MethodDelete, "/notes/del.md", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if _, err := os.Stat(filepath.Join(root, "del.md")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present: %v", err)
	}
	if w := do(t, router, http.MethodGet, "/notes/del.md", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/notes/del.md", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestRenameNote(t *testing.T) {
	_, router, root := testEnvWithFolder(t, false, "", nil)
	w := do(t, router, http.MethodPost, "/notes", map[string]string{"path": "inbox/idea.md", "content": "# Idea"})
	var created NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	w = do(t, router, http.MethodPost, "/rename", map[string]string{"from": "inbox/idea.md", "to": "projects/idea.md"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename = %d, body = %s", w.Code, w.Body.String())
	}
	var moved NoteListItem
	_ = json.Unmarshal(w.Body.Bytes(), &moved)
	if moved.ID != created.ID || moved.Path != "projects/idea.md" {
		t.Errorf("moved = %+v, created id %s", moved, created.ID)
	}
	if _, err := os.Stat(filepath.Join(root, "projects", "idea.md")); err != nil {
		t.Error(err)
	}

	w = do(t, router, http.MethodPost, "/rename", map[string]string{"from": "inbox/idea.md", "to": "x.md"})
	if w.Code != http.StatusNotFound {
		t.Errorf("rename missing = %d, want 404", w.Code)
	}
}

func TestListNotes(t *testing.T) {
	_, router := testEnv(t, "")
	for _, p := range []string{"groceries.md", "work/meeting.md", "work/plan.md"} {
		if w := do(t, router, http.MethodPost, "/notes", map[string]string{"path": p, "content": "# " + p}); w.Code != http.StatusCreated {
			t.Fatalf("create %s = %d", p, w.Code)
		}
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/notes", 3},
		{"/notes?q=work/", 2},
		{"/notes?q=GROCER", 1},
		{"/notes?limit=1", 1},
		{"/notes?q=zzzz", 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := do(t, router, http.MethodGet, tt.target, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var resp NoteListResponse
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Total != tt.want || len(resp.Notes) != tt.want {
				t.Errorf("total = %d, notes = %d, want %d", resp.Total, len(resp.Notes), tt.want)
			}
		})
	}
}

// failingReplacer rejects the final rename while failing is set.
type failingReplacer struct {
	mu      sync.Mutex
	failing bool
}

func (f *failingReplacer) set(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *failingReplacer) replace(tmp, target string) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return &os.LinkError{Op: "rename", Old: tmp, New: target, Err: errors.New("injected failure")}
	}
	return atomic.ReplaceFile(tmp, target)
}

func TestBlockedSaveAndRecovery(t *testing.T) {
	fr := &failingReplacer{}
	_, router, root := testEnvWithFolder(t, false, "", fr.replace)
	_ = do(t, router, http.MethodPost, "/notes", map[string]string{"path": "a.md", "content": "disk"})
	fr.set(true)

	w := do(t, router, http.MethodPut, "/notes/a.md?flush=true", map[string]string{"content": "precious"})
	if w.Code != http.StatusLocked {
		t.Fatalf("failed save = %d, want 423 (%s)", w.Code, w.Body.String())
	}
	var saveErr SaveErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &saveErr)
	if saveErr.Path != "a.md" || saveErr.Op != "save" || saveErr.Kind != save.KindIO {
		t.Errorf("save error = %+v", saveErr)
	}

	if w := do(t, router, http.MethodPut, "/notes/a.md", map[string]string{"content": "more"}); w.Code != http.StatusLocked {
		t.Errorf("edit while blocked = %d, want 423", w.Code)
	}

	w = do(t, router, http.MethodGet, "/status", nil)
	var st session.Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if len(st.Blocked) != 1 || st.Blocked[0].Kind != save.KindIO {
		t.Errorf("status blocked = %+v", st.Blocked)
	}

	if w := do(t, router, http.MethodPost, "/recovery", map[string]string{"path": "a.md", "action": "retry"}); w.Code != http.StatusLocked {
		t.Errorf("retry while failing = %d, want 423", w.Code)
	}

	fr.set(false)
	if w := do(t, router, http.MethodPost, "/recovery", map[string]string{"path": "a.md", "action": "retry"}); w.Code != http.StatusNoContent {
		t.Fatalf("retry = %d (%s)", w.Code, w.Body.String())
	}
	if data, _ := os.ReadFile(filepath.Join(root, "a.md")); string(data) != "precious" {
		t.Errorf("on disk = %q", data)
	}
	if w := do(t, router, http.MethodPost, "/recovery", map[string]string{"path": "a.md", "action": "retry"}); w.Code != http.StatusConflict {
		t.Errorf("retry on healthy note = %d, want 409", w.Code)
	}
}

func TestRecoveryValidation(t *testing.T) {
	_, router := testEnv(t, "")

	tests := []struct {
		name string
		body map[string]string
	}{
		{"unknown action", map[string]string{"path": "a.md", "action": "ignore"}},
		{"save-as without target", map[string]string{"path": "a.md", "action": "save-as"}},
		{"missing path", map[string]string{"action": "retry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/recovery", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestAbandonWithoutBuffer(t *testing.T) {
	_, router := testEnv(t, "")
	_ = do(t, router, http.MethodPost, "/notes", map[string]string{"path": "a.md", "content": "x"})

	w := do(t, router, http.MethodPost, "/recovery", map[string]string{"path": "a.md", "action": "abandon"})
	if w.Code != http.StatusNotFound {
		t.Errorf("abandon clean note = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	body, _ := json.Marshal(map[string]string{"path": "auth.md", "content": "test"})
	req := httptest.NewRequest(http.MethodPost, "/notes", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/notes", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/notes/nope.md", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing note = %d, want 404", w.Code)
	}
}

func TestUpdateNote_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodPut, "/notes/ghost.md", map[string]string{"content": "x"}); w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestClosedSession(t *testing.T) {
	s, router := testEnv(t, "")
	_ = s.Close()

	if w := do(t, router, http.MethodGet, "/status", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", w.Code)
	}
}

// SSE endpoint auth tests.

func TestSSEEvents_AuthProtected(t *testing.T) {
	router := testEnvWithSSE(t, true, "secret")

	// No token → 401.
	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	router := testEnvWithSSE(t, false, "")

	// Disabled mode → should not 401. SSE handler will write 200 and block,
	// so we cancel the context after a short time.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router := testEnvWithSSE(t, true, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

// testEnvWithSSE creates a router with a dummy SSE handler to test auth on /events.
func testEnvWithSSE(t *testing.T, authEnabled bool, token string) http.Handler {
	t.Helper()
	s, _ := testEnv(t, "")

	// Minimal SSE handler stub that writes headers and blocks until context done.
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})

	return NewRouter(s, authEnabled, token, sseHandler)
}

func TestAuthMiddleware_QueryTokenForGet(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/notes?access_token=secret123", nil); w.Code != http.StatusOK {
		t.Errorf("query token GET = %d, want 200", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/notes?access_token=nope", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong query token = %d, want 401", w.Code)
	}
	w := do(t, router, http.MethodPost, "/notes?access_token=secret123", map[string]string{"path": "a.md"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("query token POST = %d, want 401", w.Code)
	}
}
