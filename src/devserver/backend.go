package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
)

var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrUnknownMessage = errors.New("unknown message")
	ErrForbidden      = errors.New("not allowed")
	ErrEmptyText      = errors.New("text is required")
)

// Delivery is an event and the users it must reach.
type Delivery struct {
	Event      types.Event
	Recipients []types.UserID
}

type record struct {
	types.Message
	read bool
}

// Backend is an in-memory chat store. It assigns message ids and
// timestamps and decides who receives each resulting event.
type Backend struct {
	mu       sync.Mutex
	tokens   map[string]config.DevUser
	users    map[types.UserID]config.DevUser
	messages []*record
	nextID   int64
	now      func() time.Time
}

// NewBackend creates a Backend with the given token -> user accounts.
func NewBackend(accounts map[string]config.DevUser) *Backend {
	b := &Backend{
		tokens: make(map[string]config.DevUser, len(accounts)),
		users:  make(map[types.UserID]config.DevUser, len(accounts)),
		now:    time.Now,
	}
	for token, u := range accounts {
		b.tokens[token] = u
		b.users[types.UserID(u.ID)] = u
	}
	return b
}

// Authenticate resolves a bearer token.
func (b *Backend) Authenticate(token string) (config.DevUser, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.tokens[token]
	return u, ok
}

// Conversation returns the messages between me and friend, oldest first.
func (b *Backend) Conversation(me, friend types.UserID) []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []types.Message{}
	for _, r := range b.messages {
		if r.Between(me, friend) {
			out = append(out, r.Message)
		}
	}
	return out
}

// RecentChats returns one summary per friend me has exchanged messages
// with, latest first.
func (b *Backend) RecentChats(me types.UserID) []types.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := map[types.UserID]*types.Summary{}
	for _, r := range b.messages {
		var friend types.UserID
		switch me {
		case r.SenderID:
			friend = r.ReceiverID
		case r.ReceiverID:
			friend = r.SenderID
		default:
			continue
		}
		row, ok := rows[friend]
		if !ok {
			row = &types.Summary{FriendID: friend, Name: b.users[friend].Name}
			rows[friend] = row
		}
		row.LastMessage = r.Text
		row.Timestamp = r.CreatedAt
		if r.ReceiverID == me && !r.read {
			row.UnreadCount++
		}
	}

	out := make([]types.Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Apply executes one client command on behalf of user.
func (b *Backend) Apply(user types.UserID, cmd types.Command) (Delivery, error) {
	switch p := cmd.Payload.(type) {
	case types.CreatePayload:
		return b.create(user, p)
	case types.UpdatePayload:
		return b.update(user, p)
	case types.DeletePayload:
		return b.delete(user, p)
	case types.ReadPayload:
		return b.markRead(user, p)
	}
	return Delivery{}, fmt.Errorf("%w: %q", types.ErrUnknownCommand, cmd.Type)
}

func (b *Backend) create(user types.UserID, p types.CreatePayload) (Delivery, error) {
	if strings.TrimSpace(p.Text) == "" {
		return Delivery{}, ErrEmptyText
	}
	if p.SenderID != 0 && p.SenderID != user {
		return Delivery{}, fmt.Errorf("%w: send as %d", ErrForbidden, p.SenderID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[p.ReceiverID]; !ok {
		return Delivery{}, fmt.Errorf("%w: %d", ErrUnknownUser, p.ReceiverID)
	}
	b.nextID++
	now := b.now().UTC()
	m := types.Message{
		ID:         b.nextID,
		Text:       p.Text,
		SenderID:   user,
		ReceiverID: p.ReceiverID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b.messages = append(b.messages, &record{Message: m})
	return Delivery{Event: types.NewCreated(m), Recipients: parties(m)}, nil
}

func (b *Backend) update(user types.UserID, p types.UpdatePayload) (Delivery, error) {
	if strings.TrimSpace(p.NewText) == "" {
		return Delivery{}, ErrEmptyText
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.owned(user, p.ID)
	if err != nil {
		return Delivery{}, err
	}
	r.Text = p.NewText
	r.UpdatedAt = b.now().UTC()
	return Delivery{Event: types.NewUpdated(r.Message), Recipients: parties(r.Message)}, nil
}

func (b *Backend) delete(user types.UserID, p types.DeletePayload) (Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.owned(user, p.ID)
	if err != nil {
		return Delivery{}, err
	}
	for i, cur := range b.messages {
		if cur == r {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			break
		}
	}
	return Delivery{Event: types.NewDeleted(r.ID), Recipients: parties(r.Message)}, nil
}

func (b *Backend) markRead(user types.UserID, p types.ReadPayload) (Delivery, error) {
	if p.ReceiverID != 0 && p.ReceiverID != user {
		return Delivery{}, fmt.Errorf("%w: read for %d", ErrForbidden, p.ReceiverID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.messages {
		if r.SenderID == p.SenderID && r.ReceiverID == user {
			r.read = true
		}
	}
	return Delivery{
		Event:      types.NewReadReceipt(p.SenderID, user),
		Recipients: []types.UserID{user, p.SenderID},
	}, nil
}

// owned returns the message id if user sent it; callers hold mu.
func (b *Backend) owned(user types.UserID, id int64) (*record, error) {
	for _, r := range b.messages {
		if r.ID != id {
			continue
		}
		if r.SenderID != user {
			return nil, fmt.Errorf("%w: message %d", ErrForbidden, id)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
}

func parties(m types.Message) []types.UserID {
	if m.SenderID == m.ReceiverID {
		return []types.UserID{m.SenderID}
	}
	return []types.UserID{m.SenderID, m.ReceiverID}
}
