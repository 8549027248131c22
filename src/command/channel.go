// Package command sends typed client commands over the session socket.
package command

import (
	"errors"
	"fmt"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrRateLimited  = errors.New("command rate exceeded")
)

// Socket is the part of the connection manager the channel writes to.
type Socket interface {
	State() types.ConnectionState
	Write(data []byte) error
}

// Channel serializes commands onto the socket. Commands issued while the
// socket is not connected are dropped; nothing is queued for replay.
type Channel struct {
	socket  Socket
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a command channel. perSecond <= 0 disables rate limiting.
func New(socket Socket, perSecond float64, burst int, logger zerolog.Logger) *Channel {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Channel{
		socket:  socket,
		limiter: limiter,
		logger:  logger.With().Str("component", "command").Logger(),
	}
}

// Send writes one command. A dropped command is reported as an error value
// and logged as a warning.
func (c *Channel) Send(cmd types.Command) error {
	if c.socket.State() != types.Connected {
		c.logger.Warn().Str("type", string(cmd.Type)).Msg("socket not connected, dropping command")
		return ErrNotConnected
	}
	if !c.limiter.Allow() {
		c.logger.Warn().Str("type", string(cmd.Type)).Msg("rate limited, dropping command")
		return ErrRateLimited
	}

	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	if err := c.socket.Write(data); err != nil {
		c.logger.Warn().Err(err).Str("type", string(cmd.Type)).Msg("dropping command")
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	c.logger.Debug().Str("type", string(cmd.Type)).Msg("command sent")
	return nil
}

// Create asks the server to create a message. The message appears locally
// only when the server echoes it back.
func (c *Channel) Create(text string, sender, receiver types.UserID) error {
	return c.Send(types.NewCreate(text, sender, receiver))
}

// Update asks the server to replace a message's text.
func (c *Channel) Update(id int64, text string) error {
	return c.Send(types.NewUpdate(id, text))
}

// Delete asks the server to delete a message.
func (c *Channel) Delete(id int64) error {
	return c.Send(types.NewDelete(id))
}

// MarkRead acknowledges every message from sender to receiver.
func (c *Channel) MarkRead(sender, receiver types.UserID) error {
	return c.Send(types.NewRead(sender, receiver))
}
