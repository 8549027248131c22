package hub

import "github.com/orchestra-mcp/chatsync/src/types"

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Subscribers returns subscription ids in registration order.
func (h *Hub) Subscribers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for _, s := range h.subs {
		ids = append(ids, s.id)
	}
	return ids
}

// Topics returns, per event type, how many subscriptions would receive it.
func (h *Hub) Topics() map[types.EventType]int {
	all := []types.EventType{
		types.EventCreated, types.EventUpdated, types.EventDeleted,
		types.EventReadReceipt, types.EventError, types.EventSuccess,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[types.EventType]int, len(all))
	for _, t := range all {
		for _, s := range h.subs {
			if s.wants(t) {
				result[t]++
			}
		}
	}
	return result
}
