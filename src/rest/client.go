// Package rest fetches conversation history and the recent-chats list from
// the chat backend's HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrStatus       = errors.New("unexpected status")
)

// Client is a bearer-token HTTP client for the chat API.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
	logger  zerolog.Logger
}

// New creates a Client rooted at baseURL. Requests without a context
// deadline use timeout.
func New(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "chatsync",
			MaxIdleConnDuration: time.Minute,
		},
		logger: logger.With().Str("component", "rest").Logger(),
	}
}

type messagesResponse struct {
	Messages []types.Message `json:"messages"`
}

type summariesResponse struct {
	Data []types.Summary `json:"data"`
}

// FetchConversation returns the history between the current user and friendID.
func (c *Client) FetchConversation(ctx context.Context, friendID types.UserID) ([]types.Message, error) {
	var out messagesResponse
	if err := c.get(ctx, "/getMessages/"+strconv.FormatInt(int64(friendID), 10), &out); err != nil {
		return nil, fmt.Errorf("fetch conversation %d: %w", friendID, err)
	}
	return out.Messages, nil
}

// FetchSummaries returns the recent-chats list of userID.
func (c *Client) FetchSummaries(ctx context.Context, userID types.UserID) ([]types.Summary, error) {
	var out summariesResponse
	if err := c.get(ctx, "/recentChats/"+strconv.FormatInt(int64(userID), 10), &out); err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.timeout)
	}
	if err != nil {
		return err
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized || code == fasthttp.StatusForbidden:
		return ErrUnauthorized
	case code < 200 || code > 299:
		c.logger.Debug().Str("path", path).Int("status", code).Msg("request failed")
		return fmt.Errorf("%w %d", ErrStatus, code)
	}

	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
