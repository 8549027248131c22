package types

import (
	"context"
	"time"
)

// UserID identifies a user on the chat backend.
type UserID int64

// Message is a chat message exchanged between two users.
type Message struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	SenderID   UserID    `json:"senderId"`
	ReceiverID UserID    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Mine reports whether the message was sent by me.
func (m Message) Mine(me UserID) bool {
	return m.SenderID == me
}

// Between reports whether the message belongs to the conversation of a and b,
// in either direction.
func (m Message) Between(a, b UserID) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

// Summary is one row of the recent-chats list.
type Summary struct {
	FriendID    UserID    `json:"friendId"`
	Name        string    `json:"name"`
	LastMessage string    `json:"lastMessage"`
	Timestamp   time.Time `json:"timestamp"`
	UnreadCount int       `json:"unreadCount"`
}

// ConnectionState is the lifecycle state of the session socket.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
