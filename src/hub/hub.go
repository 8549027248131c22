package hub

import (
	"sync"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Handler handles one inbound event. Returned errors are logged, never
// propagated to the connection.
type Handler func(ev types.Event) error

// Hub fans decoded server events out to subscribed views. Events are
// delivered one at a time, in publish order, from a single goroutine.
type Hub struct {
	subs  []*subscription
	byID  map[string]*subscription
	queue chan types.Event

	mu       sync.RWMutex
	logger   zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new Hub with the given inbound queue size.
func New(logger zerolog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		byID:   make(map[string]*subscription),
		queue:  make(chan types.Event, queueSize),
		logger: logger.With().Str("component", "hub").Logger(),
		done:   make(chan struct{}),
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case ev := <-h.queue:
			h.dispatch(ev)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop. Queued events are discarded.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues an event for delivery. It blocks while the queue is full
// and returns immediately once the hub is stopped.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.queue <- ev:
	case <-h.done:
	}
}
