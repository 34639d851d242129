// Package hub is the room-per-document broadcast mechanism keeping
// concurrent viewers of a document synchronized. Rooms are ephemeral and
// process-wide: created on first join, dropped when the last participant
// leaves. Delivery is at-most-once, best-effort, FIFO per subscriber.
package hub

import (
	"sync"
)

// sendBuffer bounds the per-subscriber queue; a subscriber that falls this
// far behind starts losing events rather than blocking the publisher.
const sendBuffer = 64

// Change is one content-change event fanned out to a room.
type Change struct {
	DocumentID string `json:"documentId"`
	Origin     string `json:"origin"`
	Content    []byte `json:"content"`
}

// Subscriber is one participant's membership in a room. Events arrive on
// Changes in publish order until Leave closes the channel.
type Subscriber struct {
	handle string
	ch     chan Change
}

// Changes returns the subscriber's event stream.
func (s *Subscriber) Changes() <-chan Change {
	return s.ch
}

// Handle returns the participant handle the subscriber joined with.
func (s *Subscriber) Handle() string {
	return s.handle
}

// Hub owns the room registry. It is constructed once at process start and
// injected wherever broadcasts originate; there is no ambient global.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Subscriber
}

func New() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Subscriber)}
}

// Join adds a participant to a document's room, creating the room on first
// join. Idempotent: joining twice returns the existing subscription.
func (h *Hub) Join(documentID, handle string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[documentID]
	if room == nil {
		room = make(map[string]*Subscriber)
		h.rooms[documentID] = room
	}
	if existing, ok := room[handle]; ok {
		return existing
	}
	sub := &Subscriber{handle: handle, ch: make(chan Change, sendBuffer)}
	room[handle] = sub
	return sub
}

// Leave removes a participant and closes its event stream. No-op for a
// participant that is not a member. The room is dropped when it empties.
func (h *Hub) Leave(documentID, handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[documentID]
	if room == nil {
		return
	}
	sub, ok := room[handle]
	if !ok {
		return
	}
	delete(room, handle)
	close(sub.ch)
	if len(room) == 0 {
		delete(h.rooms, documentID)
	}
}

// PublishChange delivers content to every room member except the origin.
// A room with no other participants is a silent no-op. Sends never block:
// a full subscriber buffer drops the event for that subscriber only.
func (h *Hub) PublishChange(documentID, origin string, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[documentID]
	if room == nil {
		return
	}
	change := Change{DocumentID: documentID, Origin: origin, Content: content}
	for handle, sub := range room {
		if handle == origin {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// Participants returns the current room size; zero for an absent room.
func (h *Hub) Participants(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[documentID])
}
