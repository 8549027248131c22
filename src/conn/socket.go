package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// socket is one dialed connection and its outbound queue.
type socket struct {
	conn      types.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(c types.Conn, buffer int) *socket {
	return &socket{
		conn: c,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *socket) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump decodes frames and hands them to the publisher until the socket
// fails. A malformed frame is logged and skipped.
func (m *Manager) readPump(s *socket) {
	var err error
	defer func() { m.dropSocket(s, err) }()

	for {
		var data []byte
		_, data, err = s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, decodeErr := types.Decode(data)
		if decodeErr != nil {
			m.logger.Warn().Err(decodeErr).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		m.events.Publish(ev)
	}
}

// writePump is the only goroutine writing to the socket.
func (m *Manager) writePump(s *socket) {
	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Warn().Err(err).Msg("write failed")
				// Closing the conn unblocks readPump, which reports the loss.
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// WebsocketDialer dials with fasthttp/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial opens a client WebSocket connection.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (types.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return c, nil
}
