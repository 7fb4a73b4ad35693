// Package sse implements a Server-Sent Events broker for real-time updates.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/session"
)

// Event types sent to clients.
const (
	TypeNotesUpdated = "notes.updated"
	TypeNoteExternal = "note.external"
	TypeNoteBlocked  = "note.blocked"
	TypeNoteSaved    = "note.saved"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type notesUpdated struct {
	Count int `json:"count"`
}

type blockedData struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + list throttle state). Public methods communicate with this loop
// through channels, so no mutexes are required.
type Broker struct {
	notesMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	notesCh       chan int
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. notes.updated is sent at most once per
// throttle interval; the last update in a burst is always delivered.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 500 * time.Millisecond
	}

	b := &Broker{
		notesMin:      throttle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		notesCh:       make(chan int, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		lastNotes    time.Time
		pendingCount = -1
		trailing     *time.Timer
		trailingC    <-chan time.Time
	)
	defer func() {
		if trailing != nil {
			trailing.Stop()
		}
	}()

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		msg := fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)
		raw := []byte(msg)
		metrics.RecordSSEEvent(event.Type)

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case count := <-b.notesCh:
			now := time.Now()
			if wait := b.notesMin - now.Sub(lastNotes); wait > 0 {
				pendingCount = count
				if trailingC == nil {
					trailing = time.NewTimer(wait)
					trailingC = trailing.C
				}
				continue
			}
			lastNotes = now
			broadcast(Event{Type: TypeNotesUpdated, Data: notesUpdated{Count: count}})

		case <-trailingC:
			trailingC = nil
			if pendingCount >= 0 {
				lastNotes = time.Now()
				broadcast(Event{Type: TypeNotesUpdated, Data: notesUpdated{Count: pendingCount}})
				pendingCount = -1
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishNotes announces a new note list of count entries, throttled.
func (b *Broker) PublishNotes(count int) {
	if b.closed.Load() {
		return
	}
	select {
	case b.notesCh <- count:
	case <-b.stopped:
	}
}

// PublishSessionEvent translates one session event. rel maps absolute note
// paths to the folder-relative form clients use.
func (b *Broker) PublishSessionEvent(ev session.Event, rel func(string) string) {
	switch ev.Type {
	case session.EventNotes:
		b.PublishNotes(len(ev.Notes))
	case session.EventExternal:
		notice := *ev.Notice
		notice.Path = rel(notice.Path)
		b.Publish(Event{Type: TypeNoteExternal, Data: notice})
	case session.EventBlocked:
		data := blockedData{Path: rel(ev.Path)}
		if ev.SaveErr != nil {
			data.Op = ev.SaveErr.Op
			data.Kind = string(ev.SaveErr.Kind)
			data.Error = ev.SaveErr.Err.Error()
		}
		b.Publish(Event{Type: TypeNoteBlocked, Data: data})
	case session.EventSaved:
		b.Publish(Event{Type: TypeNoteSaved, Data: map[string]string{"path": rel(ev.Path)}})
	}
}

// Relay forwards session events until the stream ends or ctx is done.
func (b *Broker) Relay(ctx context.Context, events <-chan session.Event, rel func(string) string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.PublishSessionEvent(ev, rel)
		}
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
