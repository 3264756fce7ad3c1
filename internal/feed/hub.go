package feed

import (
	"context"
	"sync"
)

const defaultBuffer = 64

// Hub is an in-process broker. A subscriber that falls behind by a full
// buffer is disconnected rather than allowed to block publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch     chan Event
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: defaultBuffer}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.Job.GenerationID] {
		select {
		case sub.ch <- ev:
		default:
			h.dropLocked(ev.Job.GenerationID, sub)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, generationID string) (<-chan Event, error) {
	sub := &subscription{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[generationID] == nil {
		h.subs[generationID] = make(map[*subscription]struct{})
	}
	h.subs[generationID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		h.dropLocked(generationID, sub)
		h.mu.Unlock()
	}()

	return sub.ch, nil
}

func (h *Hub) Subscribers(generationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[generationID])
}

func (h *Hub) dropLocked(generationID string, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(h.subs[generationID], sub)
	if len(h.subs[generationID]) == 0 {
		delete(h.subs, generationID)
	}
}
