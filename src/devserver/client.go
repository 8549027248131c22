package devserver

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/src/types"
)

type deadlineSetter interface {
	SetWriteDeadline(t time.Time) error
}

// Client is one authenticated WebSocket connection.
type Client struct {
	ID          string
	User        types.UserID
	conn        types.Conn
	srv         *Server
	send        chan []byte
	connectedAt time.Time
	mu          sync.Mutex
	done        chan struct{}
	closed      bool
}

func newClient(id string, user types.UserID, conn types.Conn, s *Server) *Client {
	return &Client{
		ID:          id,
		User:        user,
		conn:        conn,
		srv:         s,
		send:        make(chan []byte, s.cfg.SendBuffer),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// readPump reads commands and hands them to the server until the
// connection fails.
func (c *Client) readPump() {
	defer func() {
		c.srv.unregister(c)
		c.conn.Close()
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.srv.handleFrame(c, frame)
	}
}

// writePump writes queued frames to the connection.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			if d, ok := c.conn.(deadlineSetter); ok && c.srv.cfg.WriteTimeout > 0 {
				_ = d.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue queues a frame without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
