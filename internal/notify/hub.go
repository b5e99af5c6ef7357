package notify

import (
	"errors"
	"sync"
	"time"
)

const (
	EventVerifierConnected    = "verifier_connected"
	EventVerifierDisconnected = "verifier_disconnected"
	EventStats                = "stats"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

// Stats is the engine status payload broadcast to dashboard listeners.
type Stats struct {
	PendingManual     int64 `json:"pending_manual"`
	VerifierConnected bool  `json:"verifier_connected"`
	OutboxDepth       int64 `json:"outbox_depth"`
	DeadLetters       int64 `json:"dead_letters"`
}

// Event is a single broadcast item.
type Event struct {
	Type  string    `json:"type"`
	At    time.Time `json:"at"`
	Stats *Stats    `json:"stats,omitempty"`
}

// Hub fans engine events out to SSE subscribers. Publishing never blocks:
// a subscriber that cannot keep up silently drops events, and late joiners
// replay the bounded backlog.
type Hub struct {
	mu               sync.Mutex
	buffer           []Event
	subs             map[uint64]chan Event
	nextID           uint64
	bufferSize       int
	subscriberBuffer int
}

// Subscription is a single listener attached to the hub.
type Subscription struct {
	hub  *Hub
	id   uint64
	ch   chan Event
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subs:             make(map[uint64]chan Event),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish appends the event to the replay buffer and fans it out.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}

	h.mu.Lock()
	h.buffer = append(h.buffer, event)
	if len(h.buffer) > h.bufferSize {
		h.buffer = h.buffer[len(h.buffer)-h.bufferSize:]
	}
	subs := make([]chan Event, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe attaches a listener and returns the buffered backlog.
func (h *Hub) Subscribe() (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	h.subs[id] = ch
	backlog := append([]Event(nil), h.buffer...)
	h.mu.Unlock()

	return &Subscription{hub: h, id: id, ch: ch}, backlog, nil
}

func (h *Hub) unsubscribe(id uint64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Events returns the subscriber's channel.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.id)
	})
}
