package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Hub delivers events to in-process subscribers keyed by player.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Event),
	}
}

func (h *Hub) Subscribe(playerID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	h.subscribers[playerID] = append(h.subscribers[playerID], ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (h *Hub) Unsubscribe(playerID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[playerID]
	for i, c := range subs {
		if c == ch {
			close(c)
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, playerID)
		return
	}
	h.subscribers[playerID] = subs
}

func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[e.PlayerID] {
		select {
		case ch <- e:
		default:
			// Channel full, skip (don't block)
		}
	}
}

func (h *Hub) Subscribers(playerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[playerID])
}
