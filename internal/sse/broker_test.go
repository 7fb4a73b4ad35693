package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/quire/internal/reconcile"
	"github.com/starford/quire/internal/save"
	"github.com/starford/quire/internal/session"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "note.saved", Data: map[string]string{"path": "a.md"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: note.saved") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"path":"a.md"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func drain(ch chan []byte, wait time.Duration) []string {
	var out []string
	deadline := time.After(wait)
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		case <-deadline:
			return out
		}
	}
}

func TestPublishNotes_ThrottledWithTrailingUpdate(t *testing.T) {
	b := NewBroker(200 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// First update goes out at once; the burst after it collapses into one
	// trailing update carrying the last count.
	b.PublishNotes(1)
	b.PublishNotes(2)
	b.PublishNotes(3)

	msgs := drain(ch, 500*time.Millisecond)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], `"count":1`) {
		t.Errorf("first = %q", msgs[0])
	}
	if !strings.Contains(msgs[1], "event: notes.updated") || !strings.Contains(msgs[1], `"count":3`) {
		t.Errorf("trailing = %q", msgs[1])
	}
}

func TestPublishSessionEvent(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	rel := func(p string) string { return strings.TrimPrefix(p, "/notes/") }
	b.PublishSessionEvent(session.Event{
		Type:   session.EventExternal,
		Path:   "/notes/a.md",
		Notice: &reconcile.Notice{Path: "/notes/a.md", Kind: reconcile.NoticeModified, Conflict: true},
	}, rel)
	b.PublishSessionEvent(session.Event{
		Type:    session.EventBlocked,
		Path:    "/notes/b.md",
		SaveErr: save.NewError("save", "/notes/b.md", errors.New("disk on fire")),
	}, rel)
	b.PublishSessionEvent(session.Event{Type: session.EventSaved, Path: "/notes/c.md"}, rel)

	msgs := drain(ch, 100*time.Millisecond)
	want := []string{
		"event: note.external\ndata: {\"path\":\"a.md\",\"kind\":\"modified\",\"conflict\":true}",
		"event: note.blocked\ndata: {\"path\":\"b.md\",\"op\":\"save\",\"kind\":\"io\",\"error\":\"disk on fire\"}",
		"event: note.saved\ndata: {\"path\":\"c.md\"}",
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %q", msgs)
	}
	for i := range want {
		if !strings.HasPrefix(msgs[i], want[i]) {
			t.Errorf("msg %d = %q, want prefix %q", i, msgs[i], want[i])
		}
	}
}

func TestRelayStopsWhenStreamEnds(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()

	events := make(chan session.Event, 1)
	events <- session.Event{Type: session.EventNotes}
	close(events)

	done := make(chan struct{})
	go func() {
		b.Relay(context.Background(), events, func(p string) string { return p })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not return")
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	// Start handler in background.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "note.saved", Data: map[string]string{"path": "x.md"}})
	time.Sleep(50 * time.Millisecond)

	// Cancel context to disconnect.
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: note.saved") {
		t.Errorf("handler output missing event: %q", body)
	}

	// Client should be cleaned up.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
	// If we reach here without deadlock, the test passes.
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish(Event{Type: "note.saved", Data: map[string]string{"path": "x.md"}})
	b.PublishNotes(1)
}
