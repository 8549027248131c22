package rest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

// serve starts a fasthttp server on a loopback port and returns its base URL.
func serve(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Shutdown() })
	return "http://" + ln.Addr().String()
}

func TestFetchConversation(t *testing.T) {
	var gotPath, gotAuth string
	base := serve(t, func(ctx *fasthttp.RequestCtx) {
		gotPath = string(ctx.Path())
		gotAuth = string(ctx.Request.Header.Peek("Authorization"))
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"messages":[{"id":7,"text":"hi","senderId":2,"receiverId":1,"createdAt":"2025-03-01T09:00:00Z"}]}`)
	})

	c := New(base+"/", "tok", time.Second, zerolog.Nop())
	msgs, err := c.FetchConversation(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, "/getMessages/2", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].ID)
	assert.Equal(t, types.UserID(2), msgs[0].SenderID)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), msgs[0].CreatedAt.UTC())
}

func TestFetchSummaries(t *testing.T) {
	var gotPath string
	base := serve(t, func(ctx *fasthttp.RequestCtx) {
		gotPath = string(ctx.Path())
		ctx.SetBodyString(`{"data":[{"friendId":5,"name":"Eve","lastMessage":"yo","timestamp":"2025-03-01T09:00:00Z","unreadCount":3}]}`)
	})

	c := New(base, "tok", time.Second, zerolog.Nop())
	rows, err := c.FetchSummaries(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, "/recentChats/1", gotPath)
	require.Len(t, rows, 1)
	assert.Equal(t, types.Summary{
		FriendID:    5,
		Name:        "Eve",
		LastMessage: "yo",
		Timestamp:   rows[0].Timestamp,
		UnreadCount: 3,
	}, rows[0])
}

func TestUnauthorized(t *testing.T) {
	base := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	})

	_, err := New(base, "", time.Second, zerolog.Nop()).FetchSummaries(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServerError(t *testing.T) {
	base := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
	})

	_, err := New(base, "tok", time.Second, zerolog.Nop()).FetchConversation(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestMalformedBody(t *testing.T) {
	base := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"messages":`)
	})

	_, err := New(base, "tok", time.Second, zerolog.Nop()).FetchConversation(context.Background(), 1)
	assert.Error(t, err)
}

func TestContextDeadline(t *testing.T) {
	base := serve(t, func(ctx *fasthttp.RequestCtx) {
		time.Sleep(200 * time.Millisecond)
		ctx.SetBodyString(`{"data":[]}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(base, "tok", time.Minute, zerolog.Nop()).FetchSummaries(ctx, 1)
	assert.ErrorIs(t, err, fasthttp.ErrTimeout)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("http://127.0.0.1:1", "tok", time.Second, zerolog.Nop()).FetchSummaries(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
