package hub

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/src/types"
)

type subscription struct {
	id      string
	topics  map[types.EventType]bool
	handler Handler
	closed  atomic.Bool
}

func (s *subscription) wants(t types.EventType) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Subscribe registers a handler for the given event types, or for every
// event type when none are given. The returned id is used to unsubscribe.
// Existing subscribers are never displaced.
func (h *Hub) Subscribe(handler Handler, topics ...types.EventType) string {
	s := &subscription{
		id:      uuid.New().String(),
		handler: handler,
		topics:  make(map[types.EventType]bool, len(topics)),
	}
	for _, t := range topics {
		s.topics[t] = true
	}

	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.byID[s.id] = s
	h.mu.Unlock()

	h.logger.Debug().Str("subscription", s.id).Int("topics", len(topics)).Msg("subscribed")
	return s.id
}

// Unsubscribe removes a subscription. Once it returns, no event that has not
// already started delivery reaches the handler.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.byID[id]
	if !ok {
		return false
	}
	s.closed.Store(true)
	delete(h.byID, id)
	for i, cur := range h.subs {
		if cur == s {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			break
		}
	}
	h.logger.Debug().Str("subscription", id).Msg("unsubscribed")
	return true
}

func (h *Hub) dispatch(ev types.Event) {
	h.mu.RLock()
	// Copy matching subscribers to avoid holding the lock during delivery.
	targets := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.wants(ev.Type) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.Debug().Str("type", string(ev.Type)).Msg("no subscriber, dropping")
		return
	}
	for _, s := range targets {
		if s.closed.Load() {
			continue
		}
		if err := s.handler(ev); err != nil {
			h.logger.Error().Err(err).
				Str("type", string(ev.Type)).
				Str("subscription", s.id).
				Msg("handler error")
		}
	}
}
