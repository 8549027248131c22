// Package devserver is an in-memory chat backend speaking the same REST
// and WebSocket protocol as production. It backs the integration tests and
// the chatdev binary.
package devserver

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Relay forwards frames to other server instances.
// Defined here to avoid circular imports with the bridge package.
type Relay interface {
	Publish(recipients []types.UserID, frame []byte) error
	Available() bool
}

// Server serves the chat REST API through fiber and the /ws endpoint
// through a raw fasthttp upgrade, on one listener.
type Server struct {
	cfg      *config.DevServerConfig
	backend  *Backend
	logger   zerolog.Logger
	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
	http     *fasthttp.Server

	mu      sync.RWMutex
	clients map[types.UserID]map[string]*Client
	relay   Relay
	ln      net.Listener
}

// New creates a Server. Call Start to begin listening.
func New(cfg *config.DevServerConfig, logger zerolog.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	s := &Server{
		cfg:     cfg,
		backend: NewBackend(cfg.Users),
		logger:  logger.With().Str("component", "devserver").Logger(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		clients: make(map[types.UserID]map[string]*Client),
	}

	s.app = fiber.New()
	s.RegisterRoutes(s.app)
	appHandler := s.app.Handler()

	s.http = &fasthttp.Server{
		Name: "chatdev",
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/ws" {
				s.FastHTTPHandler()(ctx)
				return
			}
			appHandler(ctx)
		},
	}
	return s
}

// Backend returns the server's message store.
func (s *Server) Backend() *Backend { return s.backend }

// SetRelay attaches a cross-instance relay. Every delivered frame is also
// published through it.
func (s *Server) SetRelay(r Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.http.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("serve failed")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("dev server listening")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes every WebSocket client and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.RLock()
	var all []*Client
	for _, set := range s.clients {
		for _, c := range set {
			all = append(all, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
	return s.http.Shutdown()
}

// ClientCount returns the number of open WebSocket connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.clients {
		n += len(set)
	}
	return n
}

// Connected reports whether user has at least one open connection.
func (s *Server) Connected(user types.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[user]) > 0
}

// RegisterRoutes registers the REST API on router.
func (s *Server) RegisterRoutes(router fiber.Router) {
	router.Get("/getMessages/:friendId", s.handleMessages)
	router.Get("/recentChats/:userId", s.handleRecentChats)
	router.Get("/ws/info", s.handleInfo)
}

func (s *Server) handleMessages(c fiber.Ctx) error {
	user, err := s.authenticate(c)
	if err != nil {
		return err
	}
	friend, err := strconv.ParseInt(c.Params("friendId"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid friend id")
	}
	return c.JSON(fiber.Map{
		"messages": s.backend.Conversation(types.UserID(user.ID), types.UserID(friend)),
	})
}

func (s *Server) handleRecentChats(c fiber.Ctx) error {
	user, err := s.authenticate(c)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid user id")
	}
	if id != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "not your chat list")
	}
	return c.JSON(fiber.Map{"data": s.backend.RecentChats(types.UserID(id))})
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	s.mu.RLock()
	relay := s.relay != nil && s.relay.Available()
	users := len(s.clients)
	s.mu.RUnlock()
	clients := s.ClientCount()

	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"clients":   clients,
		"users":     users,
		"relay":     relay,
	})
}

func (s *Server) authenticate(c fiber.Ctx) (config.DevUser, error) {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok {
		return config.DevUser{}, fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	user, ok := s.backend.Authenticate(token)
	if !ok {
		return config.DevUser{}, fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	return user, nil
}

// FastHTTPHandler returns the raw fasthttp handler for WebSocket upgrades.
// The token travels in the "token" query parameter.
func (s *Server) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}
		user, ok := s.backend.Authenticate(string(ctx.QueryArgs().Peek("token")))
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString(`{"error":"unauthorized","message":"invalid token"}`)
			return
		}

		clientID := uuid.New().String()
		err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			c := newClient(clientID, types.UserID(user.ID), conn, s)
			s.register(c)
			go c.writePump()
			c.readPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	set, ok := s.clients[c.User]
	if !ok {
		set = make(map[string]*Client)
		s.clients[c.User] = set
	}
	set[c.ID] = c
	s.mu.Unlock()

	s.logger.Info().Str("client_id", c.ID).Int64("user_id", int64(c.User)).Msg("client connected")
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	if set, ok := s.clients[c.User]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(s.clients, c.User)
		}
	}
	s.mu.Unlock()

	c.Close()
	s.logger.Info().Str("client_id", c.ID).Int64("user_id", int64(c.User)).Msg("client disconnected")
}

// handleFrame applies one command frame and fans the result out. Bad
// commands are answered with an error frame to the sender only.
func (s *Server) handleFrame(c *Client, frame []byte) {
	cmd, err := types.DecodeCommand(frame)
	if err != nil {
		s.reject(c, fiber.StatusBadRequest, err)
		return
	}
	d, err := s.backend.Apply(c.User, cmd)
	if err != nil {
		s.reject(c, statusFor(err), err)
		return
	}
	out, err := d.Event.Encode()
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(d.Event.Type)).Msg("encode event failed")
		return
	}

	s.DeliverLocal(d.Recipients, out)

	s.mu.RLock()
	relay := s.relay
	s.mu.RUnlock()
	if relay != nil && relay.Available() {
		if err := relay.Publish(d.Recipients, out); err != nil {
			s.logger.Warn().Err(err).Msg("relay publish failed")
		}
	}
}

// DeliverLocal queues frame for every local connection of recipients.
func (s *Server) DeliverLocal(recipients []types.UserID, frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range recipients {
		for _, c := range s.clients[user] {
			if !c.enqueue(frame) {
				s.logger.Warn().Str("client_id", c.ID).Msg("client send buffer full, dropping")
			}
		}
	}
}

func (s *Server) reject(c *Client, code int, err error) {
	s.logger.Debug().Err(err).Str("client_id", c.ID).Msg("command rejected")
	frame, encErr := types.NewError(code, err.Error()).Encode()
	if encErr != nil {
		return
	}
	c.enqueue(frame)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrUnknownUser):
		return fiber.StatusNotFound
	default:
		return fiber.StatusBadRequest
	}
}
