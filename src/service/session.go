// Package service wires one signed-in user's realtime session: the socket,
// the event hub, the command channel and the REST backend.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/command"
	"github.com/orchestra-mcp/chatsync/src/conn"
	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/orchestra-mcp/chatsync/src/rest"
	"github.com/orchestra-mcp/chatsync/src/store"
	"github.com/orchestra-mcp/chatsync/src/summary"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

var ErrSessionClosed = errors.New("session closed")

// Fetcher loads snapshots from the REST backend.
type Fetcher interface {
	store.Fetcher
	summary.Fetcher
}

// Session is constructed at sign-in and torn down at logout. It owns the
// only socket and the only hub of the user's session.
type Session struct {
	me     types.UserID
	token  string
	cfg    *config.Config
	hub    *hub.Hub
	conn   *conn.Manager
	cmds   *command.Channel
	fetch  Fetcher
	logger zerolog.Logger

	mu     sync.Mutex
	views  map[string]func() // subscription id -> view teardown
	list   *ChatList
	closed bool
}

// NewSession builds a session from cfg. A nil dialer uses fasthttp/websocket
// and a nil fetcher uses the REST client at cfg.Server.APIURL.
func NewSession(cfg *config.Config, dialer types.Dialer, fetch Fetcher, logger zerolog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if dialer == nil {
		dialer = conn.WebsocketDialer{}
	}
	if fetch == nil {
		fetch = rest.New(cfg.Server.APIURL, cfg.Session.Token, cfg.Server.RequestTimeout, logger)
	}

	me := types.UserID(cfg.Session.UserID)
	logger = logger.With().Int64("user_id", int64(me)).Logger()

	h := hub.New(logger, cfg.Sync.EventBuffer)
	m := conn.NewManager(conn.Options{URL: cfg.Server.WSURL, SendBuffer: cfg.Sync.SendBuffer}, dialer, h, logger)
	s := &Session{
		me:     me,
		token:  cfg.Session.Token,
		cfg:    cfg,
		hub:    h,
		conn:   m,
		cmds:   command.New(m, cfg.Sync.CommandsPerSecond, cfg.Sync.CommandBurst, logger),
		fetch:  fetch,
		logger: logger.With().Str("component", "session").Logger(),
		views:  make(map[string]func()),
	}
	go h.Run()
	return s, nil
}

// Me returns the signed-in user.
func (s *Session) Me() types.UserID { return s.me }

// Hub returns the session's event hub.
func (s *Session) Hub() *hub.Hub { return s.hub }

// Commands returns the outbound command channel.
func (s *Session) Commands() *command.Channel { return s.cmds }

// State returns the socket state.
func (s *Session) State() types.ConnectionState { return s.conn.State() }

// OnStateChange registers a socket state observer.
func (s *Session) OnStateChange(cb func(types.ConnectionState)) { s.conn.OnStateChange(cb) }

// Connect opens the session socket with the configured token. It is
// idempotent while the socket is open.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.conn.Connect(ctx, s.token)
}

// OnServerStatus subscribes cb to the server's error and success frames.
// It returns the subscription id for Unsubscribe.
func (s *Session) OnServerStatus(cb func(types.Event)) string {
	return s.hub.Subscribe(func(ev types.Event) error {
		cb(ev)
		return nil
	}, types.EventError, types.EventSuccess)
}

// Unsubscribe removes a subscription made through the session.
func (s *Session) Unsubscribe(id string) bool {
	return s.hub.Unsubscribe(id)
}

// OpenConversation mounts the conversation with friendID: it subscribes the
// store to message events and hydrates it. The view is returned even when
// hydration fails so the caller can retry with Hydrate; Close must be
// called in either case.
func (s *Session) OpenConversation(ctx context.Context, friendID types.UserID) (*ConversationView, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	list := s.list
	s.mu.Unlock()

	c := store.NewConversation(s.me, friendID, s.fetch, s.cmds, s.logger)
	v := &ConversationView{Conversation: c, session: s, list: list}
	v.sub = s.hub.Subscribe(c.Handle, types.EventCreated, types.EventUpdated, types.EventDeleted)
	s.track(v.sub, v.Close)

	if list != nil {
		if err := list.Open(friendID); err != nil {
			s.logger.Warn().Err(err).Int64("friend_id", int64(friendID)).Msg("mark read failed")
		}
	}

	if err := c.Hydrate(ctx); err != nil {
		return v, err
	}
	return v, nil
}

// OpenChatList mounts the recent-chats list: it subscribes the aggregator,
// forces an initial refresh and starts the background refresh. The view is
// returned even when the initial refresh fails.
func (s *Session) OpenChatList(ctx context.Context) (*ChatList, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	agg := summary.New(s.me, s.fetch, s.cmds, summary.Options{
		Freshness:       s.cfg.Sync.SummaryFreshness,
		RefreshInterval: s.cfg.Sync.SummaryRefreshInterval,
	}, s.logger)
	runCtx, cancel := context.WithCancel(context.Background())
	l := &ChatList{Aggregator: agg, session: s, cancel: cancel}
	l.sub = s.hub.Subscribe(agg.Handle, types.EventCreated, types.EventReadReceipt)
	s.track(l.sub, l.Close)

	s.mu.Lock()
	s.list = l
	s.mu.Unlock()

	go agg.Run(runCtx)

	if _, err := agg.Refresh(ctx, true); err != nil {
		return l, err
	}
	return l, nil
}

// Close tears the session down: every open view is closed, the socket is
// closed and the hub stopped. Nothing from this session survives.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := make([]func(), 0, len(s.views))
	for _, closeView := range s.views {
		views = append(views, closeView)
	}
	s.mu.Unlock()

	for _, closeView := range views {
		closeView()
	}
	s.conn.Close()
	s.hub.Stop()
	s.logger.Info().Msg("session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) track(id string, closeView func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[id] = closeView
}

func (s *Session) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, id)
}

// ConversationView is a mounted conversation.
type ConversationView struct {
	*store.Conversation
	session *Session
	list    *ChatList
	sub     string
	once    sync.Once
}

// Close unsubscribes the store and discards its state. A hydrate still in
// flight has no effect afterwards.
func (v *ConversationView) Close() {
	v.once.Do(func() {
		v.session.hub.Unsubscribe(v.sub)
		v.Conversation.Close()
		if v.list != nil {
			v.list.Leave(v.Friend())
		}
		v.session.untrack(v.sub)
	})
}

// ChatList is a mounted recent-chats list.
type ChatList struct {
	*summary.Aggregator
	session *Session
	sub     string
	cancel  context.CancelFunc
	once    sync.Once
}

// Close unsubscribes the aggregator and stops its background refresh.
func (l *ChatList) Close() {
	l.once.Do(func() {
		l.session.hub.Unsubscribe(l.sub)
		l.cancel()
		l.Aggregator.Close()

		l.session.mu.Lock()
		if l.session.list == l {
			l.session.list = nil
		}
		l.session.mu.Unlock()
		l.session.untrack(l.sub)
	})
}
