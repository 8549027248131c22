// Package store keeps the message list of one open conversation in sync
// with the server.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

var (
	ErrClosed     = errors.New("conversation closed")
	ErrSuperseded = errors.New("hydrate superseded by a newer one")
	ErrNotLive    = errors.New("conversation not loaded")
	ErrEmptyText  = errors.New("message text is empty")
)

// State is the lifecycle of a Conversation.
type State int

const (
	Empty State = iota
	Hydrating
	Live
)

func (s State) String() string {
	switch s {
	case Hydrating:
		return "hydrating"
	case Live:
		return "live"
	default:
		return "empty"
	}
}

// Fetcher loads a conversation's history from the REST backend.
type Fetcher interface {
	FetchConversation(ctx context.Context, friendID types.UserID) ([]types.Message, error)
}

// Commands sends user actions to the server.
type Commands interface {
	Create(text string, sender, receiver types.UserID) error
	Update(id int64, text string) error
	Delete(id int64) error
}

// Entry is a message as rendered in the conversation view.
type Entry struct {
	types.Message
	Mine bool
}

// Conversation is the source of truth for the messages between the current
// user and one friend. It is hydrated once from the REST backend, then kept
// current by inbound events. Every apply is idempotent, so events racing
// the hydrate response converge on the same result.
type Conversation struct {
	me     types.UserID
	friend types.UserID
	fetch  Fetcher
	cmds   Commands
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	messages []types.Message
	pending  []types.Event // message events seen while hydrating
	gen      uint64
	closed   bool
	onChange []func()
}

// NewConversation creates an empty conversation between me and friend.
func NewConversation(me, friend types.UserID, fetch Fetcher, cmds Commands, logger zerolog.Logger) *Conversation {
	return &Conversation{
		me:     me,
		friend: friend,
		fetch:  fetch,
		cmds:   cmds,
		logger: logger.With().
			Str("component", "conversation").
			Int64("friend_id", int64(friend)).
			Logger(),
	}
}

// Friend returns the other participant.
func (c *Conversation) Friend() types.UserID { return c.friend }

// OnChange registers a callback run after every visible mutation.
func (c *Conversation) OnChange(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, cb)
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hydrate loads the history and switches to Live. Events received while the
// fetch is in flight are replayed over the snapshot. On failure the
// conversation is Empty again and the error is returned.
func (c *Conversation) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.state = Hydrating
	c.messages = nil
	c.pending = nil
	c.mu.Unlock()

	snapshot, err := c.fetch.FetchConversation(ctx, c.friend)

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.gen != gen:
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		c.state = Empty
		c.pending = nil
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("hydrate failed")
		c.notify()
		return fmt.Errorf("hydrate conversation %d: %w", c.friend, err)
	}

	c.messages = c.messages[:0]
	for _, m := range snapshot {
		if !m.Between(c.me, c.friend) {
			continue
		}
		if i := c.indexOf(m.ID); i >= 0 {
			c.messages[i] = m
			continue
		}
		c.messages = append(c.messages, m)
	}
	replayed := len(c.pending)
	for _, ev := range c.pending {
		c.apply(ev)
	}
	c.pending = nil
	sortByCreation(c.messages)
	c.state = Live
	count := len(c.messages)
	c.mu.Unlock()

	c.logger.Debug().Int("messages", count).Int("replayed", replayed).Msg("hydrated")
	c.notify()
	return nil
}

// Handle applies one inbound event. It is registered as a hub handler.
func (c *Conversation) Handle(ev types.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	changed := false
	switch c.state {
	case Empty:
		c.logger.Debug().Str("type", string(ev.Type)).Msg("not hydrated, ignoring event")
	case Hydrating:
		if isMessageEvent(ev.Type) {
			c.pending = append(c.pending, ev)
		}
	case Live:
		changed = c.apply(ev)
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
	return nil
}

// Send asks the server to create a message. Nothing is added locally; the
// message appears when the server echoes it as message:created.
func (c *Conversation) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if err := c.ready(); err != nil {
		return err
	}
	return c.cmds.Create(text, c.me, c.friend)
}

// Edit replaces a message's text locally once the update command is on
// its way. The server's message:updated echo is applied idempotently.
func (c *Conversation) Edit(id int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.cmds.Update(id, text); err != nil {
		return err
	}

	c.mu.Lock()
	changed := c.replaceText(types.Message{ID: id, Text: text})
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return nil
}

// Remove deletes a message locally once the delete command is on its way.
func (c *Conversation) Remove(id int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.cmds.Delete(id); err != nil {
		return err
	}

	c.mu.Lock()
	changed := c.remove(id)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return nil
}

// Messages returns a copy of the ordered message list.
func (c *Conversation) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.messages...)
}

// Entries returns the ordered message list with ownership resolved.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.messages))
	for i, m := range c.messages {
		out[i] = Entry{Message: m, Mine: m.Mine(c.me)}
	}
	return out
}

// Close discards all state. A hydrate still in flight has no effect once
// Close returns.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	c.state = Empty
	c.messages = nil
	c.pending = nil
	c.onChange = nil
}

func (c *Conversation) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.state != Live:
		return ErrNotLive
	}
	return nil
}

func (c *Conversation) notify() {
	c.mu.Lock()
	cbs := append([]func(){}, c.onChange...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// apply mutates the message list; callers hold mu.
func (c *Conversation) apply(ev types.Event) bool {
	switch ev.Type {
	case types.EventCreated:
		m := ev.Message
		if m == nil || !m.Between(c.me, c.friend) {
			return false
		}
		if c.indexOf(m.ID) >= 0 {
			c.logger.Debug().Int64("id", m.ID).Msg("duplicate created event ignored")
			return false
		}
		c.messages = append(c.messages, *m)
		return true
	case types.EventUpdated:
		if ev.Message == nil {
			return false
		}
		return c.replaceText(*ev.Message)
	case types.EventDeleted:
		if ev.Deleted == nil {
			return false
		}
		return c.remove(ev.Deleted.ID)
	}
	return false
}

func (c *Conversation) replaceText(m types.Message) bool {
	i := c.indexOf(m.ID)
	if i < 0 {
		return false
	}
	cur := &c.messages[i]
	changed := cur.Text != m.Text
	cur.Text = m.Text
	if !m.UpdatedAt.IsZero() && !m.UpdatedAt.Equal(cur.UpdatedAt) {
		cur.UpdatedAt = m.UpdatedAt
		changed = true
	}
	return changed
}

func (c *Conversation) remove(id int64) bool {
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
	return true
}

func (c *Conversation) indexOf(id int64) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func isMessageEvent(t types.EventType) bool {
	return t == types.EventCreated || t == types.EventUpdated || t == types.EventDeleted
}

func sortByCreation(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
