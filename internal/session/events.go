package session

import (
	"sync"

	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/reconcile"
	"github.com/starford/quire/internal/save"
)

// EventType names what an Event carries.
type EventType string

const (
	// EventNotes carries the full sorted note list. A subscriber that falls
	// behind only sees the latest one.
	EventNotes EventType = "notes"
	// EventExternal carries a Notice about a change made outside the session.
	EventExternal EventType = "external"
	// EventBlocked carries the failure that blocked a note's autosave.
	EventBlocked EventType = "blocked"
	// EventSaved reports a completed save of Path.
	EventSaved EventType = "saved"
)

// Event is one update pushed to subscribers.
type Event struct {
	Type    EventType
	Path    string
	Notes   []models.Note
	Notice  *reconcile.Notice
	SaveErr *save.Error
}

// subscriber queues events for one consumer. At most one notes snapshot is
// queued at a time; every other event is kept until delivered.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	done chan struct{}

	mu    sync.Mutex
	queue []Event
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (sub *subscriber) push(ev Event) {
	sub.mu.Lock()
	if ev.Type == EventNotes {
		// A newer snapshot supersedes a queued one and moves behind every
		// event queued before it.
		for i := range sub.queue {
			if sub.queue[i].Type == EventNotes {
				sub.queue = append(sub.queue[:i], sub.queue[i+1:]...)
				break
			}
		}
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	sub.signal()
}

func (sub *subscriber) signal() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) pop() (Event, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return Event{}, false
	}
	ev := sub.queue[0]
	sub.queue = sub.queue[1:]
	return ev, true
}

func (sub *subscriber) pump() {
	defer close(sub.out)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			ev, ok := sub.pop()
			if !ok {
				break
			}
			select {
			case sub.out <- ev:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscriber) close() {
	close(sub.done)
}
