package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	// TypeProgress is emitted during initialization as bootstrap stages
	// complete.
	TypeProgress Type = "progress"

	// TypeReady is emitted once when the controller becomes ready.
	TypeReady Type = "ready"

	// TypeError is emitted when initialization fails or a worker-level
	// failure occurs.
	TypeError Type = "error"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type
	Step      string // progress step tag, e.g. "loading-runtime"
	Message   string
	Err       error // set for TypeError
	Timestamp time.Time
}

// Hub fans lifecycle events out to subscribers.
// Delivery is non-blocking: if a subscriber's channel is full the event is
// dropped for that subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[Type][]chan Event

	// Global subscribers receive all events.
	global []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[Type][]chan Event),
	}
}

// Publish sends an event to all subscribers of its type.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}

	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no types are given. The caller must drain the channel to
// avoid drops and must Unsubscribe when done.
func (h *Hub) Subscribe(bufSize int, types ...Type) <-chan Event {
	if bufSize <= 0 {
		bufSize = 64
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions. The channel is not
// closed.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish and drop counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// EmitProgress publishes a progress event.
func (h *Hub) EmitProgress(step, message string) {
	h.Publish(Event{Type: TypeProgress, Step: step, Message: message})
}

// EmitReady publishes the ready event.
func (h *Hub) EmitReady() {
	h.Publish(Event{Type: TypeReady, Message: "ready"})
}

// EmitError publishes an error event.
func (h *Hub) EmitError(err error) {
	h.Publish(Event{Type: TypeError, Err: err, Message: err.Error()})
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}
