// Package fanout pushes normalized events to live subscribers grouped by
// session. Publishing never blocks: every subscriber owns a bounded queue and
// the oldest queued event is dropped when it is full.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/session-gateway/internal/model/event"
	"github.com/zhouzirui/session-gateway/internal/observability"
)

const DefaultBuffer = 64

// Subscriber is a handle owned by one live consumer.
type Subscriber struct {
	ch      chan event.Event
	dropped atomic.Uint64
	mu      sync.Mutex
}

func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{ch: make(chan event.Event, buffer)}
}

// Events is never closed; consumers stop reading when they unsubscribe.
func (s *Subscriber) Events() <-chan event.Event {
	return s.ch
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) deliver(ev event.Event) {
	// serialize drop-oldest so concurrent publishers cannot starve each other
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			observability.RecordRealtimeDrop()
		default:
		}
	}
}

// Hub tracks room membership.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscriber]struct{})}
}

func (h *Hub) Subscribe(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[sessionID] = room
	}
	room[sub] = struct{}{}
}

func (h *Hub) Unsubscribe(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(sessionID, sub)
}

// UnsubscribeAll removes sub from every room.
func (h *Hub) UnsubscribeAll(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range h.rooms {
		h.leave(sessionID, sub)
	}
}

func (h *Hub) leave(sessionID string, sub *Subscriber) {
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

// Subscribers returns the number of members of a room.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Publish delivers ev to all current members of ev.SessionID.
func (h *Hub) Publish(ev event.Event) {
	h.mu.RLock()
	room := h.rooms[ev.SessionID]
	subs := make([]*Subscriber, 0, len(room))
	for sub := range room {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// Consume lets the hub sit on a session event bus.
func (h *Hub) Consume(ev event.Event) {
	h.Publish(ev)
}
