package store

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	me     types.UserID = 1
	friend types.UserID = 2
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// mockFetcher returns a canned history. When gate is set, the fetch blocks
// until gate is closed, after signalling started.
type mockFetcher struct {
	msgs    []types.Message
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *mockFetcher) FetchConversation(ctx context.Context, id types.UserID) ([]types.Message, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.msgs, f.err
}

type mockCommands struct {
	mu      sync.Mutex
	created []types.CreatePayload
	updated []types.UpdatePayload
	deleted []int64
	err     error
}

func (m *mockCommands) Create(text string, sender, receiver types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, types.CreatePayload{Text: text, SenderID: sender, ReceiverID: receiver})
	return nil
}

func (m *mockCommands) Update(id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updated = append(m.updated, types.UpdatePayload{ID: id, NewText: text})
	return nil
}

func (m *mockCommands) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func msg(id int64, text string, from, to types.UserID, at time.Duration) types.Message {
	return types.Message{ID: id, Text: text, SenderID: from, ReceiverID: to, CreatedAt: t0.Add(at)}
}

func ids(msgs []types.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newLive(t *testing.T, history ...types.Message) (*Conversation, *mockCommands) {
	t.Helper()
	cmds := &mockCommands{}
	c := NewConversation(me, friend, &mockFetcher{msgs: history}, cmds, zerolog.Nop())
	require.NoError(t, c.Hydrate(context.Background()))
	require.Equal(t, Live, c.State())
	return c, cmds
}

func TestHydrateThenCreatedEcho(t *testing.T) {
	c, _ := newLive(t, msg(1, "hi", friend, me, 0))
	require.Equal(t, []int64{1}, ids(c.Messages()))

	require.NoError(t, c.Handle(types.NewCreated(msg(2, "yo", me, friend, time.Minute))))

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.False(t, entries[0].Mine)
	assert.Equal(t, int64(2), entries[1].ID)
	assert.True(t, entries[1].Mine)
}

func TestLiveCreatedAppendsInArrivalOrder(t *testing.T) {
	c, _ := newLive(t, msg(1, "a", friend, me, time.Hour), msg(2, "b", me, friend, 2*time.Hour))

	// Live events are appended as delivered, even with an older timestamp.
	require.NoError(t, c.Handle(types.NewCreated(msg(3, "late", friend, me, time.Minute))))
	require.NoError(t, c.Handle(types.NewCreated(msg(4, "next", me, friend, 3*time.Hour))))
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(c.Messages()))

	// Updating the late message leaves it where it arrived.
	require.NoError(t, c.Handle(types.NewUpdated(types.Message{ID: 3, Text: "late, edited", SenderID: friend, ReceiverID: me})))
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(c.Messages()))
	assert.Equal(t, "late, edited", c.Messages()[2].Text)
}

func TestUpdateForUnknownIDIsNoop(t *testing.T) {
	c, _ := newLive(t)
	changes := 0
	c.OnChange(func() { changes++ })

	err := c.Handle(types.NewUpdated(types.Message{ID: 1, Text: "edited"}))
	require.NoError(t, err)
	assert.Empty(t, c.Messages())
	assert.Zero(t, changes)
}

func TestSendWaitsForEcho(t *testing.T) {
	c, cmds := newLive(t)

	require.NoError(t, c.Send("hello"))
	require.Len(t, cmds.created, 1)
	assert.Equal(t, types.CreatePayload{Text: "hello", SenderID: me, ReceiverID: friend}, cmds.created[0])
	assert.Empty(t, c.Messages(), "no optimistic entry for create")

	echo := types.NewCreated(msg(10, "hello", me, friend, time.Second))
	require.NoError(t, c.Handle(echo))
	require.NoError(t, c.Handle(echo))
	assert.Equal(t, []int64{10}, ids(c.Messages()))
}

func TestSendRejectsBlankText(t *testing.T) {
	c, cmds := newLive(t)
	assert.ErrorIs(t, c.Send("   "), ErrEmptyText)
	assert.Empty(t, cmds.created)
}

func TestCreatedForOtherConversationIgnored(t *testing.T) {
	c, _ := newLive(t)
	require.NoError(t, c.Handle(types.NewCreated(msg(3, "elsewhere", 7, me, 0))))
	require.NoError(t, c.Handle(types.NewCreated(msg(4, "elsewhere", friend, 7, 0))))
	assert.Empty(t, c.Messages())

	require.NoError(t, c.Handle(types.NewCreated(msg(5, "theirs", friend, me, 0))))
	assert.Equal(t, []int64{5}, ids(c.Messages()))
}

func TestUpdateAndDeleteKeepOrder(t *testing.T) {
	c, _ := newLive(t,
		msg(1, "a", me, friend, 0),
		msg(2, "b", friend, me, time.Second),
		msg(3, "c", me, friend, 2*time.Second),
	)

	require.NoError(t, c.Handle(types.NewUpdated(types.Message{ID: 2, Text: "B"})))
	assert.Equal(t, []int64{1, 2, 3}, ids(c.Messages()))
	assert.Equal(t, "B", c.Messages()[1].Text)

	require.NoError(t, c.Handle(types.NewDeleted(2)))
	require.NoError(t, c.Handle(types.NewDeleted(2)))
	require.NoError(t, c.Handle(types.NewDeleted(42)))
	assert.Equal(t, []int64{1, 3}, ids(c.Messages()))
}

func TestOptimisticEditAndRemove(t *testing.T) {
	c, cmds := newLive(t, msg(1, "tpyo", me, friend, 0), msg(2, "bye", me, friend, time.Second))

	require.NoError(t, c.Edit(1, "typo"))
	assert.Equal(t, "typo", c.Messages()[0].Text)
	assert.Equal(t, []types.UpdatePayload{{ID: 1, NewText: "typo"}}, cmds.updated)

	// The echo confirms what is already shown.
	changes := 0
	c.OnChange(func() { changes++ })
	require.NoError(t, c.Handle(types.NewUpdated(types.Message{ID: 1, Text: "typo"})))
	assert.Zero(t, changes)

	require.NoError(t, c.Remove(2))
	assert.Equal(t, []int64{1}, ids(c.Messages()))
	require.NoError(t, c.Handle(types.NewDeleted(2)))
	assert.Equal(t, []int64{1}, ids(c.Messages()))
}

func TestOptimisticEditSkippedWhenCommandDropped(t *testing.T) {
	c, cmds := newLive(t, msg(1, "keep", me, friend, 0))
	cmds.err = errors.New("socket not connected")

	assert.Error(t, c.Edit(1, "changed"))
	assert.Error(t, c.Remove(1))
	assert.Equal(t, "keep", c.Messages()[0].Text)
	assert.Len(t, c.Messages(), 1)
}

func TestHydrateFailureLeavesEmpty(t *testing.T) {
	boom := errors.New("503")
	c := NewConversation(me, friend, &mockFetcher{err: boom}, &mockCommands{}, zerolog.Nop())

	err := c.Hydrate(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Empty, c.State())
	assert.Empty(t, c.Messages())
	assert.ErrorIs(t, c.Send("hi"), ErrNotLive)

	// Events are not trusted before a successful hydrate.
	require.NoError(t, c.Handle(types.NewCreated(msg(1, "hi", friend, me, 0))))
	assert.Empty(t, c.Messages())
}

func TestEventsDuringHydrateAreMerged(t *testing.T) {
	f := &mockFetcher{
		msgs: []types.Message{
			msg(1, "old", friend, me, 0),
			msg(2, "stale text", me, friend, time.Second),
			msg(3, "deleted meanwhile", friend, me, 2*time.Second),
		},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	c := NewConversation(me, friend, f, &mockCommands{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Hydrate(context.Background()) }()
	<-f.started
	require.Equal(t, Hydrating, c.State())

	require.NoError(t, c.Handle(types.NewCreated(msg(4, "new", friend, me, 3*time.Second))))
	require.NoError(t, c.Handle(types.NewUpdated(types.Message{ID: 2, Text: "fresh text"})))
	require.NoError(t, c.Handle(types.NewDeleted(3)))
	require.NoError(t, c.Handle(types.NewCreated(msg(1, "old", friend, me, 0))))
	assert.Empty(t, c.Messages())

	close(f.gate)
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 4}, ids(c.Messages()))
	assert.Equal(t, "fresh text", c.Messages()[1].Text)
}

func TestLateHydrateAfterCloseIsDiscarded(t *testing.T) {
	f := &mockFetcher{
		msgs:    []types.Message{msg(1, "late", friend, me, 0)},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	c := NewConversation(me, friend, f, &mockCommands{}, zerolog.Nop())
	changes := 0
	c.OnChange(func() { changes++ })

	done := make(chan error, 1)
	go func() { done <- c.Hydrate(context.Background()) }()
	<-f.started

	c.Close()
	close(f.gate)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, c.Messages())
	assert.Equal(t, Empty, c.State())
	assert.Zero(t, changes)
	assert.ErrorIs(t, c.Hydrate(context.Background()), ErrClosed)
}

// Any sequence of message events leaves at most one entry per id, and
// re-applying an event changes nothing.
func TestApplyIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		c, _ := newLive(t)
		for step := 0; step < 40; step++ {
			ev := randomEvent(rng)
			require.NoError(t, c.Handle(ev))
			before := c.Messages()
			require.NoError(t, c.Handle(ev))
			require.Equal(t, before, c.Messages(), "round %d step %d: %s applied twice", round, step, ev.Type)
		}

		seen := map[int64]bool{}
		for _, m := range c.Messages() {
			require.False(t, seen[m.ID], "round %d: duplicate id %d", round, m.ID)
			seen[m.ID] = true
		}
	}
}

// Hydrate snapshots and live events with disjoint ids converge on their
// union ordered by creation time, whatever the interleaving. Timestamps
// come from one server clock, so anything delivered after the snapshot
// was taken is newer than it; TestLiveCreatedAppendsInArrivalOrder
// covers an out-of-order clock.
func TestHydrateInterleavingConvergesOnUnion(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for round := 0; round < 100; round++ {
		var snapshot, live []types.Message
		nextID := int64(1)
		for i := rng.Intn(6); i > 0; i-- {
			snapshot = append(snapshot, randomMessage(rng, nextID, 0))
			nextID++
		}
		for i := rng.Intn(6); i > 0; i-- {
			live = append(live, randomMessage(rng, nextID, 0))
			nextID++
		}
		// Events arriving after hydrate carry later server timestamps.
		split := 0
		if len(live) > 0 {
			split = rng.Intn(len(live) + 1)
		}
		for i := split; i < len(live); i++ {
			live[i].CreatedAt = t0.Add(time.Hour + time.Duration(i)*time.Second)
		}

		f := &mockFetcher{msgs: snapshot, gate: make(chan struct{}), started: make(chan struct{})}
		c := NewConversation(me, friend, f, &mockCommands{}, zerolog.Nop())
		done := make(chan error, 1)
		go func() { done <- c.Hydrate(context.Background()) }()
		<-f.started
		for _, m := range live[:split] {
			require.NoError(t, c.Handle(types.NewCreated(m)))
		}
		close(f.gate)
		require.NoError(t, <-done)
		for _, m := range live[split:] {
			require.NoError(t, c.Handle(types.NewCreated(m)))
		}

		want := append(append([]types.Message(nil), snapshot...), live...)
		sortByCreation(want)
		assert.Equal(t, ids(want), ids(c.Messages()), "round %d", round)
		assert.True(t, sort.SliceIsSorted(c.Messages(), func(i, j int) bool {
			return c.Messages()[i].CreatedAt.Before(c.Messages()[j].CreatedAt)
		}))
	}
}

func randomMessage(rng *rand.Rand, id int64, base time.Duration) types.Message {
	from, to := me, friend
	if rng.Intn(2) == 0 {
		from, to = friend, me
	}
	return msg(id, "m", from, to, base+time.Duration(rng.Intn(600))*time.Second)
}

func randomEvent(rng *rand.Rand) types.Event {
	id := int64(rng.Intn(8) + 1)
	switch rng.Intn(3) {
	case 0:
		return types.NewCreated(randomMessage(rng, id, 0))
	case 1:
		return types.NewUpdated(types.Message{ID: id, Text: []string{"x", "y", "z"}[rng.Intn(3)]})
	default:
		return types.NewDeleted(id)
	}
}
