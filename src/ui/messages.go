package ui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// ConnectedMsg reports the result of the initial connect.
type ConnectedMsg struct{ Err error }

// StateMsg carries a socket state transition.
type StateMsg types.ConnectionState

// ChangedMsg signals that the mounted list or conversation changed.
type ChangedMsg struct{}

// RefreshedMsg reports a finished manual refresh of the chat list.
type RefreshedMsg struct{}

// IncomingMsg is an inbound message that raised an unread counter.
type IncomingMsg types.Message

// ServerStatusMsg is an error or success frame from the server.
type ServerStatusMsg types.Event

// ListOpenedMsg carries the mounted chat list.
type ListOpenedMsg struct {
	List *service.ChatList
	Err  error
}

// ConversationOpenedMsg carries a mounted conversation.
type ConversationOpenedMsg struct {
	View *service.ConversationView
	Err  error
}

// ActionErrMsg reports a failed user action.
type ActionErrMsg struct{ Err error }

const requestTimeout = 15 * time.Second

func connectCmd(s Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return ConnectedMsg{Err: s.Connect(ctx)}
	}
}

func openListCmd(s Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		l, err := s.OpenChatList(ctx)
		return ListOpenedMsg{List: l, Err: err}
	}
}

func openConversationCmd(s Session, friend types.UserID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		v, err := s.OpenConversation(ctx, friend)
		return ConversationOpenedMsg{View: v, Err: err}
	}
}

func refreshCmd(l *service.ChatList) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := l.Refresh(ctx, true); err != nil {
			return ActionErrMsg{Err: err}
		}
		return RefreshedMsg{}
	}
}

func actionCmd(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return ActionErrMsg{Err: err}
		}
		return nil
	}
}

// listen waits for the next event pushed by session callbacks.
func listen(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}
