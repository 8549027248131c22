package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates inbound server events.
type EventType string

const (
	EventCreated     EventType = "message:created"
	EventUpdated     EventType = "message:updated"
	EventDeleted     EventType = "message:deleted"
	EventReadReceipt EventType = "message:read-receipt"
	EventError       EventType = "error"
	EventSuccess     EventType = "success"
)

// legacyReadReceipt is what older backends emit for read receipts.
const legacyReadReceipt = "message:red"

var (
	ErrMissingType  = errors.New("event has no type")
	ErrUnknownEvent = errors.New("unknown event type")
	ErrBadPayload   = errors.New("invalid event payload")
)

// Deletion is the payload of a message:deleted event.
type Deletion struct {
	ID int64 `json:"id"`
}

// ReadReceipt acknowledges that ReceiverID has read messages from SenderID.
type ReadReceipt struct {
	SenderID   UserID `json:"senderId"`
	ReceiverID UserID `json:"receiverId"`
}

// Status is the body of generic error and success frames.
type Status struct {
	Code    int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded inbound frame. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type    EventType
	Message *Message
	Deleted *Deletion
	Receipt *ReadReceipt
	Status  *Status
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewCreated builds a message:created event.
func NewCreated(m Message) Event { return Event{Type: EventCreated, Message: &m} }

// NewUpdated builds a message:updated event.
func NewUpdated(m Message) Event { return Event{Type: EventUpdated, Message: &m} }

// NewDeleted builds a message:deleted event.
func NewDeleted(id int64) Event { return Event{Type: EventDeleted, Deleted: &Deletion{ID: id}} }

// NewReadReceipt builds a message:read-receipt event.
func NewReadReceipt(sender, receiver UserID) Event {
	return Event{Type: EventReadReceipt, Receipt: &ReadReceipt{SenderID: sender, ReceiverID: receiver}}
}

// NewError builds a generic error event.
func NewError(code int, msg string) Event {
	return Event{Type: EventError, Status: &Status{Code: code, Message: msg}}
}

// Decode parses one inbound frame.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Type: EventType(env.Type)}
	if env.Type == legacyReadReceipt {
		ev.Type = EventReadReceipt
	}

	switch ev.Type {
	case EventCreated, EventUpdated:
		var m Message
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return Event{}, err
		}
		if m.ID == 0 {
			return Event{}, fmt.Errorf("%w: %s without id", ErrBadPayload, ev.Type)
		}
		ev.Message = &m
	case EventDeleted:
		var d Deletion
		if err := unmarshalPayload(env.Payload, &d); err != nil {
			return Event{}, err
		}
		if d.ID == 0 {
			return Event{}, fmt.Errorf("%w: %s without id", ErrBadPayload, ev.Type)
		}
		ev.Deleted = &d
	case EventReadReceipt:
		var r ReadReceipt
		if err := unmarshalPayload(env.Payload, &r); err != nil {
			return Event{}, err
		}
		ev.Receipt = &r
	case EventError, EventSuccess:
		ev.Status = &Status{Code: env.Code, Message: env.Message, Data: env.Data}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return ev, nil
}

// Encode serializes the event in the inbound wire format.
func (e Event) Encode() ([]byte, error) {
	env := envelope{Type: string(e.Type)}
	var payload any
	switch {
	case e.Message != nil:
		payload = e.Message
	case e.Deleted != nil:
		payload = e.Deleted
	case e.Receipt != nil:
		payload = e.Receipt
	case e.Status != nil:
		env.Code = e.Status.Code
		env.Message = e.Status.Message
		env.Data = e.Status.Data
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrBadPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
