// Package summary maintains the recent-chats list: one row per friend with
// the last message, its time and an unread counter.
package summary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

var (
	ErrClosed     = errors.New("chat list closed")
	ErrSuperseded = errors.New("refresh superseded by a newer one")
)

// Fetcher loads the recent-chats list from the REST backend.
type Fetcher interface {
	FetchSummaries(ctx context.Context, userID types.UserID) ([]types.Summary, error)
}

// Commands sends read acknowledgements.
type Commands interface {
	MarkRead(sender, receiver types.UserID) error
}

// Options tunes the refresh policy.
type Options struct {
	Freshness       time.Duration    // skip unforced refreshes younger than this, default 30s
	RefreshInterval time.Duration    // background refresh period, default 60s
	Now             func() time.Time // clock, default time.Now
}

// Aggregator derives the chat list from REST snapshots and the live event
// stream. It works whether or not a conversation is open.
type Aggregator struct {
	me     types.UserID
	fetch  Fetcher
	cmds   Commands
	opts   Options
	logger zerolog.Logger
	heal   chan struct{}

	mu         sync.Mutex
	rows       []types.Summary
	fetchedAt  time.Time
	active     map[types.UserID]int
	loading    bool
	gen        uint64
	closed     bool
	onChange   []func()
	onIncoming []func(types.Message)
}

// New creates an empty Aggregator for user me.
func New(me types.UserID, fetch Fetcher, cmds Commands, opts Options, logger zerolog.Logger) *Aggregator {
	if opts.Freshness <= 0 {
		opts.Freshness = 30 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		me:     me,
		fetch:  fetch,
		cmds:   cmds,
		opts:   opts,
		logger: logger.With().Str("component", "summary").Logger(),
		heal:   make(chan struct{}, 1),
		active: make(map[types.UserID]int),
	}
}

// OnChange registers a callback run after every visible mutation.
func (a *Aggregator) OnChange(cb func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = append(a.onChange, cb)
}

// OnIncoming registers a callback for each inbound message that raised an
// unread counter. Used for notifications.
func (a *Aggregator) OnIncoming(cb func(types.Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onIncoming = append(a.onIncoming, cb)
}

// Refresh reloads the list. Unless forced, a refresh is skipped while the
// cached list is younger than the freshness window. It reports whether a
// fetch happened. On failure the previous rows are kept.
func (a *Aggregator) Refresh(ctx context.Context, force bool) (bool, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false, ErrClosed
	}
	if !force && len(a.rows) > 0 && a.opts.Now().Sub(a.fetchedAt) < a.opts.Freshness {
		a.mu.Unlock()
		return false, nil
	}
	a.gen++
	gen := a.gen
	a.loading = true
	a.mu.Unlock()

	rows, err := a.fetch.FetchSummaries(ctx, a.me)

	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return false, ErrClosed
	case a.gen != gen:
		a.mu.Unlock()
		return false, ErrSuperseded
	}
	a.loading = false
	if err != nil {
		a.mu.Unlock()
		a.logger.Warn().Err(err).Msg("chat list refresh failed")
		a.notify()
		return false, fmt.Errorf("refresh chat list: %w", err)
	}
	a.rows = dedupe(rows)
	a.fetchedAt = a.opts.Now()
	count := len(a.rows)
	a.mu.Unlock()

	a.logger.Debug().Int("rows", count).Bool("forced", force).Msg("chat list refreshed")
	a.notify()
	return true, nil
}

// Run refreshes the list every RefreshInterval, regardless of freshness,
// and whenever an event references a friend missing from the list. It
// returns when ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-a.heal:
		case <-ctx.Done():
			return
		}
		if _, err := a.Refresh(ctx, true); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			a.logger.Debug().Err(err).Msg("background refresh failed")
		}
	}
}

// Handle applies one inbound event. It is registered as a hub handler.
func (a *Aggregator) Handle(ev types.Event) error {
	switch ev.Type {
	case types.EventCreated:
		if ev.Message != nil {
			a.applyCreated(*ev.Message)
		}
	case types.EventReadReceipt:
		if ev.Receipt != nil {
			a.applyReceipt(*ev.Receipt)
		}
	}
	return nil
}

func (a *Aggregator) applyCreated(m types.Message) {
	if m.ReceiverID != a.me || m.SenderID == a.me {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	i := a.indexOf(m.SenderID)
	if i < 0 {
		a.mu.Unlock()
		// The event carries no name for a new row; let the backend supply it.
		a.logger.Debug().Int64("friend_id", int64(m.SenderID)).Msg("message from friend not in list, scheduling refresh")
		a.requestHeal()
		return
	}
	row := &a.rows[i]
	row.LastMessage = m.Text
	row.Timestamp = m.CreatedAt
	if row.Timestamp.IsZero() {
		row.Timestamp = a.opts.Now()
	}
	counted := a.active[m.SenderID] == 0
	if counted {
		row.UnreadCount++
	}
	incoming := append([]func(types.Message){}, a.onIncoming...)
	a.mu.Unlock()

	if counted {
		for _, cb := range incoming {
			cb(m)
		}
	}
	a.notify()
}

func (a *Aggregator) applyReceipt(r types.ReadReceipt) {
	if r.ReceiverID != 0 && r.ReceiverID != a.me {
		return
	}

	a.mu.Lock()
	i := a.indexOf(r.SenderID)
	if a.closed || i < 0 || a.rows[i].UnreadCount == 0 {
		a.mu.Unlock()
		return
	}
	a.rows[i].UnreadCount = 0
	a.mu.Unlock()
	a.notify()
}

// Open marks friendID as an active conversation and asks the server to
// mark its messages read. The counter resets when the receipt arrives.
// Each Open must be paired with a Leave for the same friend.
func (a *Aggregator) Open(friendID types.UserID) error {
	a.mu.Lock()
	a.active[friendID]++
	a.mu.Unlock()
	return a.cmds.MarkRead(friendID, a.me)
}

// Leave releases one Open of friendID. The conversation stops being
// active once every view that opened it has left.
func (a *Aggregator) Leave(friendID types.UserID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := a.active[friendID]; n > 1 {
		a.active[friendID] = n - 1
		return
	}
	delete(a.active, friendID)
}

// Summaries returns the rows ordered by timestamp, latest first. Stored
// order is left untouched.
func (a *Aggregator) Summaries() []types.Summary {
	a.mu.Lock()
	out := append([]types.Summary(nil), a.rows...)
	a.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Summary returns the row for friendID.
func (a *Aggregator) Summary(friendID types.UserID) (types.Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := a.indexOf(friendID); i >= 0 {
		return a.rows[i], true
	}
	return types.Summary{}, false
}

// TotalUnread sums the unread counters.
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, r := range a.rows {
		total += r.UnreadCount
	}
	return total
}

// Loading reports whether a refresh is in flight.
func (a *Aggregator) Loading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loading
}

// Close discards all rows. A refresh still in flight has no effect.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.gen++
	a.rows = nil
	a.onChange = nil
	a.onIncoming = nil
}

// Badge formats an unread counter for display.
func Badge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > 99:
		return "99+"
	default:
		return strconv.Itoa(n)
	}
}

func (a *Aggregator) requestHeal() {
	select {
	case a.heal <- struct{}{}:
	default:
	}
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	cbs := append([]func(){}, a.onChange...)
	a.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (a *Aggregator) indexOf(friendID types.UserID) int {
	for i := range a.rows {
		if a.rows[i].FriendID == friendID {
			return i
		}
	}
	return -1
}

func dedupe(rows []types.Summary) []types.Summary {
	out := make([]types.Summary, 0, len(rows))
	seen := make(map[types.UserID]int, len(rows))
	for _, r := range rows {
		if r.UnreadCount < 0 {
			r.UnreadCount = 0
		}
		if i, ok := seen[r.FriendID]; ok {
			out[i] = r
			continue
		}
		seen[r.FriendID] = len(out)
		out = append(out, r)
	}
	return out
}
