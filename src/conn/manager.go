// Package conn owns the session's single WebSocket connection.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("connection manager closed")
	ErrNotConnected = errors.New("not connected")
	ErrBufferFull   = errors.New("send buffer full")
)

// Publisher receives every successfully decoded inbound event.
// Defined here to avoid circular imports with the hub package.
type Publisher interface {
	Publish(ev types.Event)
}

// Options configures a Manager.
type Options struct {
	URL        string // WebSocket endpoint without the token
	SendBuffer int    // queued outbound frames, default 256
}

// Manager owns at most one live socket. It carries the auth token as a
// query parameter on connect, decodes inbound frames for the Publisher and
// serializes outbound writes. It never reconnects on its own.
type Manager struct {
	opts   Options
	dialer types.Dialer
	events Publisher
	logger zerolog.Logger

	dialMu sync.Mutex // serializes Connect and Disconnect
	mu     sync.Mutex
	sock   *socket
	token  string
	closed bool
	state  atomic.Int32

	cbMu    sync.RWMutex
	onState []func(types.ConnectionState)
	onClose []func(error)
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options, dialer types.Dialer, events Publisher, logger zerolog.Logger) *Manager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Manager{
		opts:   opts,
		dialer: dialer,
		events: events,
		logger: logger.With().Str("component", "conn").Logger(),
	}
}

// OnStateChange registers a callback for state transitions. Callbacks run
// synchronously and must not call Connect or Disconnect.
func (m *Manager) OnStateChange(cb func(types.ConnectionState)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onState = append(m.onState, cb)
}

// OnClose registers a callback invoked when a connection ends or fails to
// open. err is nil for a local Disconnect.
func (m *Manager) OnClose(cb func(err error)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onClose = append(m.onClose, cb)
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	return types.ConnectionState(m.state.Load())
}

// Connect opens the session socket. Calling it again with the same token
// while a socket is open is a no-op; a different token tears the old socket
// down before dialing.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sock != nil && m.token == token {
		m.mu.Unlock()
		return nil
	}
	old := m.sock
	m.sock = nil
	m.mu.Unlock()

	if old != nil {
		old.shutdown()
		m.logger.Info().Msg("replacing connection for new token")
	}

	endpoint, err := m.endpoint(token)
	if err != nil {
		m.setState(types.Disconnected)
		return err
	}

	m.setState(types.Connecting)
	c, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		m.logger.Error().Err(err).Msg("connect failed")
		m.setState(types.Disconnected)
		m.notifyClose(err)
		return fmt.Errorf("connect: %w", err)
	}

	s := newSocket(c, m.opts.SendBuffer)
	m.mu.Lock()
	m.sock = s
	m.token = token
	m.mu.Unlock()

	m.setState(types.Connected)
	m.logger.Info().Msg("connected")

	go m.writePump(s)
	go m.readPump(s)
	return nil
}

// Disconnect closes the current socket, if any.
func (m *Manager) Disconnect() {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	m.disconnect()
}

// Close disconnects and rejects further Connect calls.
func (m *Manager) Close() {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.disconnect()
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	s := m.sock
	m.sock = nil
	m.token = ""
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.shutdown()
	m.setState(types.Disconnected)
	m.notifyClose(nil)
	m.logger.Info().Msg("disconnected")
}

// Write queues a raw frame for the write pump.
func (m *Manager) Write(data []byte) error {
	m.mu.Lock()
	s := m.sock
	m.mu.Unlock()

	if s == nil || m.State() != types.Connected {
		return ErrNotConnected
	}
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		m.logger.Warn().Msg("send buffer full, dropping")
		return ErrBufferFull
	}
}

func (m *Manager) endpoint(token string) (string, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dropSocket handles a socket ending on its own. Sockets that were already
// replaced or disconnected locally are ignored. It holds dialMu so a
// concurrent Connect cannot be overwritten by the stale Disconnected.
func (m *Manager) dropSocket(s *socket, err error) {
	s.shutdown()

	m.dialMu.Lock()
	m.mu.Lock()
	if m.sock != s {
		m.mu.Unlock()
		m.dialMu.Unlock()
		return
	}
	m.sock = nil
	m.token = ""
	m.mu.Unlock()

	m.logger.Warn().Err(err).Msg("connection lost")
	m.setState(types.Disconnected)
	m.dialMu.Unlock()

	m.notifyClose(err)
}

func (m *Manager) setState(st types.ConnectionState) {
	if types.ConnectionState(m.state.Swap(int32(st))) == st {
		return
	}
	m.cbMu.RLock()
	cbs := append([]func(types.ConnectionState){}, m.onState...)
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(st)
	}
}

func (m *Manager) notifyClose(err error) {
	m.cbMu.RLock()
	cbs := append([]func(error){}, m.onClose...)
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(err)
	}
}
