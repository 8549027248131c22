// Package ui is the terminal front end: a recent-chats list and a
// conversation view over one service.Session.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/orchestra-mcp/chatsync/src/store"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// Session is the part of service.Session the UI drives.
type Session interface {
	Me() types.UserID
	Connect(ctx context.Context) error
	OpenChatList(ctx context.Context) (*service.ChatList, error)
	OpenConversation(ctx context.Context, friendID types.UserID) (*service.ConversationView, error)
	OnStateChange(cb func(types.ConnectionState))
	OnServerStatus(cb func(types.Event)) string
}

type screen int

const (
	listScreen screen = iota
	chatScreen
)

// Model is the root bubbletea model.
type Model struct {
	session Session
	events  chan tea.Msg
	bell    io.Writer

	screen   screen
	list     *service.ChatList
	conv     *service.ConversationView
	friend   types.Summary
	rows     []types.Summary
	entries  []store.Entry
	cursor   int
	state    types.ConnectionState
	status   string
	width    int
	height   int
	input    textinput.Model
	viewport viewport.Model
}

// New creates the root model. bell receives a BEL for every counted
// inbound message; nil disables it.
func New(s Session, bell io.Writer) Model {
	events := make(chan tea.Msg, 64)
	push := func(msg tea.Msg) {
		select {
		case events <- msg:
		default:
		}
	}
	s.OnStateChange(func(st types.ConnectionState) { push(StateMsg(st)) })
	s.OnServerStatus(func(ev types.Event) { push(ServerStatusMsg(ev)) })

	in := textinput.New()
	in.Placeholder = "Type a message, /edit <id> <text> or /delete <id>"
	in.CharLimit = 2000

	return Model{
		session:  s,
		events:   events,
		bell:     bell,
		input:    in,
		viewport: viewport.New(80, 20),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(m.session),
		openListCmd(m.session),
		listen(m.events),
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ConnectedMsg:
		if msg.Err != nil {
			m.status = "connect failed: " + msg.Err.Error()
		}
		return m, nil

	case StateMsg:
		m.state = types.ConnectionState(msg)
		return m, listen(m.events)

	case ChangedMsg:
		m.sync()
		return m, listen(m.events)

	case RefreshedMsg:
		m.sync()
		return m, nil

	case IncomingMsg:
		if m.bell != nil {
			_, _ = io.WriteString(m.bell, "\a")
		}
		m.status = "new message from " + m.nameOf(msg.SenderID)
		return m, listen(m.events)

	case ServerStatusMsg:
		if msg.Status != nil {
			m.status = fmt.Sprintf("server %s: %s", msg.Type, msg.Status.Message)
		}
		return m, listen(m.events)

	case ListOpenedMsg:
		return m.handleListOpened(msg), nil

	case ConversationOpenedMsg:
		return m.handleConversationOpened(msg), nil

	case ActionErrMsg:
		m.status = describe(msg.Err)
		return m, nil
	}
	return m, nil
}

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.width, m.height = msg.Width, msg.Height
	m.viewport.Width = msg.Width
	m.viewport.Height = max(msg.Height-5, 1)
	m.input.Width = max(msg.Width-4, 10)
	m.renderConversation()
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	if m.screen == chatScreen {
		return m.handleChatKey(msg)
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case "r":
		if m.list != nil {
			return m, refreshCmd(m.list)
		}
	case "enter":
		if m.cursor < len(m.rows) {
			m.friend = m.rows[m.cursor]
			return m, openConversationCmd(m.session, m.friend.FriendID)
		}
	}
	return m, nil
}

func (m Model) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		if m.conv != nil {
			m.conv.Close()
			m.conv = nil
		}
		m.entries = nil
		m.screen = listScreen
		m.input.Blur()
		m.sync()
		return m, nil
	case "enter":
		text := m.input.Value()
		m.input.SetValue("")
		if m.conv == nil {
			return m, nil
		}
		return m, submit(m.conv, text)
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleListOpened(msg ListOpenedMsg) Model {
	if msg.Err != nil {
		m.status = "chat list: " + describe(msg.Err)
	}
	if msg.List == nil {
		return m
	}
	m.list = msg.List
	push := m.pusher()
	m.list.OnChange(func() { push(ChangedMsg{}) })
	m.list.OnIncoming(func(msg types.Message) { push(IncomingMsg(msg)) })
	m.sync()
	return m
}

func (m Model) handleConversationOpened(msg ConversationOpenedMsg) Model {
	if msg.View == nil {
		m.status = "open conversation: " + describe(msg.Err)
		return m
	}
	if m.conv != nil {
		m.conv.Close()
	}
	m.conv = msg.View
	m.status = ""
	if msg.Err != nil {
		m.status = "history unavailable: " + describe(msg.Err)
	}
	push := m.pusher()
	m.conv.OnChange(func() { push(ChangedMsg{}) })
	m.screen = chatScreen
	m.input.Focus()
	m.sync()
	return m
}

func (m Model) pusher() func(tea.Msg) {
	events := m.events
	return func(msg tea.Msg) {
		select {
		case events <- msg:
		default:
		}
	}
}

// sync copies the mounted views into the model.
func (m *Model) sync() {
	if m.list != nil {
		m.rows = m.list.Summaries()
	}
	if m.cursor >= len(m.rows) {
		m.cursor = max(len(m.rows)-1, 0)
	}
	if m.conv != nil {
		m.entries = m.conv.Entries()
	}
	m.renderConversation()
}

func (m *Model) renderConversation() {
	m.viewport.SetContent(renderEntries(m.entries, m.friend.Name, m.viewport.Width))
	m.viewport.GotoBottom()
}

func (m Model) nameOf(id types.UserID) string {
	for _, r := range m.rows {
		if r.FriendID == id {
			return r.Name
		}
	}
	return "#" + strconv.FormatInt(int64(id), 10)
}

// action is a parsed line of conversation input.
type action struct {
	kind string // "send", "edit" or "delete"
	id   int64
	text string
}

var errUsage = errors.New("usage: /edit <id> <text> or /delete <id>")

func parseInput(line string) (action, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return action{kind: "send", text: line}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/edit":
		if len(fields) < 3 {
			return action{}, errUsage
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return action{}, errUsage
		}
		rest := strings.TrimSpace(line[len(fields[0]):])
		text := strings.TrimSpace(rest[len(fields[1]):])
		return action{kind: "edit", id: id, text: text}, nil
	case "/delete":
		if len(fields) != 2 {
			return action{}, errUsage
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return action{}, errUsage
		}
		return action{kind: "delete", id: id}, nil
	}
	return action{kind: "send", text: line}, nil
}

func submit(conv *service.ConversationView, line string) tea.Cmd {
	a, err := parseInput(line)
	if err != nil {
		return func() tea.Msg { return ActionErrMsg{Err: err} }
	}
	switch a.kind {
	case "edit":
		return actionCmd(func() error { return conv.Edit(a.id, a.text) })
	case "delete":
		return actionCmd(func() error { return conv.Remove(a.id) })
	default:
		if a.text == "" {
			return nil
		}
		return actionCmd(func() error { return conv.Send(a.text) })
	}
}
