package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType discriminates outbound client commands.
type CommandType string

const (
	CommandCreate CommandType = "message:create"
	CommandUpdate CommandType = "message:update"
	CommandDelete CommandType = "message:delete"
	CommandRead   CommandType = "message:read"
)

var ErrUnknownCommand = errors.New("unknown command type")

// CreatePayload asks the server to create a message.
type CreatePayload struct {
	Text       string `json:"text"`
	SenderID   UserID `json:"senderId"`
	ReceiverID UserID `json:"receiverId"`
}

// UpdatePayload asks the server to replace a message's text.
type UpdatePayload struct {
	ID      int64  `json:"id"`
	NewText string `json:"newText"`
}

// DeletePayload asks the server to delete a message.
type DeletePayload struct {
	ID int64 `json:"id"`
}

// ReadPayload marks messages from SenderID to ReceiverID as read.
type ReadPayload struct {
	SenderID   UserID `json:"senderId"`
	ReceiverID UserID `json:"receiverId"`
}

// Command is an outbound frame. Payload holds one of the *Payload types.
type Command struct {
	Type    CommandType `json:"type"`
	Payload any         `json:"payload"`
}

func NewCreate(text string, sender, receiver UserID) Command {
	return Command{Type: CommandCreate, Payload: CreatePayload{Text: text, SenderID: sender, ReceiverID: receiver}}
}

func NewUpdate(id int64, text string) Command {
	return Command{Type: CommandUpdate, Payload: UpdatePayload{ID: id, NewText: text}}
}

func NewDelete(id int64) Command {
	return Command{Type: CommandDelete, Payload: DeletePayload{ID: id}}
}

func NewRead(sender, receiver UserID) Command {
	return Command{Type: CommandRead, Payload: ReadPayload{SenderID: sender, ReceiverID: receiver}}
}

// Encode serializes the command for the wire.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses an outbound frame into a Command with a typed payload.
// Used by the server side of the protocol.
func DecodeCommand(frame []byte) (Command, error) {
	var env struct {
		Type    CommandType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}

	var payload any
	switch env.Type {
	case CommandCreate:
		payload = &CreatePayload{}
	case CommandUpdate:
		payload = &UpdatePayload{}
	case CommandDelete:
		payload = &DeletePayload{}
	case CommandRead:
		payload = &ReadPayload{}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
	if err := unmarshalPayload(env.Payload, payload); err != nil {
		return Command{}, err
	}

	cmd := Command{Type: env.Type}
	switch p := payload.(type) {
	case *CreatePayload:
		cmd.Payload = *p
	case *UpdatePayload:
		cmd.Payload = *p
	case *DeletePayload:
		cmd.Payload = *p
	case *ReadPayload:
		cmd.Payload = *p
	}
	return cmd, nil
}
