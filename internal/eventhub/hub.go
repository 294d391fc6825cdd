// Package eventhub is the router's process-wide broadcast bus for
// streaming-mode lifecycle notifications: stream-start, stream-complete,
// stream-error.
package eventhub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wisbric/mcprouter/internal/telemetry"
)

// Capacity is the maximum number of in-flight events held per subscriber
// before the oldest unread event is evicted.
const Capacity = 1024

// Event is a single published notification.
type Event struct {
	ID      string      `json:"id"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Hub is a bounded, best-effort broadcast bus. Publish never blocks: each
// subscriber gets its own buffered channel, and a subscriber that falls
// Capacity events behind has its oldest unread event evicted to make room,
// surfacing the loss as a skipped-count on the subscriber's next read.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subscribers: make(map[*Subscriber]struct{})}
}

// Subscriber receives published events on C. Lagged reports how many events
// were evicted before the value currently available on C, as an
// atomic counter the caller should read-and-reset after each receive.
type Subscriber struct {
	C      chan Event
	lagged atomic.Uint64
	mu     sync.Mutex
}

// Lagged returns and resets the number of events dropped for this
// subscriber since the last call.
func (s *Subscriber) Lagged() uint64 {
	return s.lagged.Swap(0)
}

// Subscribe registers a new subscriber with a dedicated buffered channel.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan Event, Capacity)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber; its channel is closed.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()
	if ok {
		close(sub.C)
	}
}

// Publish delivers event to every current subscriber. It never blocks: a
// subscriber whose channel is full has its oldest unread event evicted to
// make room for the new one, and its lag counter incremented.
func (h *Hub) Publish(event string, payload interface{}) {
	evt := Event{ID: uuid.NewString(), Event: event, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		sub.mu.Lock()
		select {
		case sub.C <- evt:
		default:
			// Full: evict the oldest unread event, then enqueue the new one.
			select {
			case <-sub.C:
				sub.lagged.Add(1)
				telemetry.EventHubDroppedTotal.WithLabelValues(evt.Event).Inc()
			default:
			}
			select {
			case sub.C <- evt:
			default:
				// Another publisher raced us and refilled the buffer; drop ours.
				sub.lagged.Add(1)
				telemetry.EventHubDroppedTotal.WithLabelValues(evt.Event).Inc()
			}
		}
		sub.mu.Unlock()
	}
}
