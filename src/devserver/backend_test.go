package devserver

import (
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice types.UserID = 1
	bob   types.UserID = 2
	carol types.UserID = 3
)

func newTestBackend() *Backend {
	b := NewBackend(config.DefaultDevServerConfig().Users)
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return b
}

func TestCreateAssignsIdentity(t *testing.T) {
	b := newTestBackend()

	d, err := b.Apply(alice, types.NewCreate("hi", alice, bob))
	require.NoError(t, err)
	require.Equal(t, types.EventCreated, d.Event.Type)
	assert.Equal(t, int64(1), d.Event.Message.ID)
	assert.False(t, d.Event.Message.CreatedAt.IsZero())
	assert.ElementsMatch(t, []types.UserID{alice, bob}, d.Recipients)

	d, err = b.Apply(bob, types.NewCreate("yo", 0, alice))
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Event.Message.ID)
	assert.Equal(t, bob, d.Event.Message.SenderID)
}

func TestCreateRejected(t *testing.T) {
	b := newTestBackend()

	_, err := b.Apply(alice, types.NewCreate("  ", alice, bob))
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = b.Apply(alice, types.NewCreate("hi", bob, carol))
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = b.Apply(alice, types.NewCreate("hi", alice, 99))
	assert.ErrorIs(t, err, ErrUnknownUser)
	assert.Empty(t, b.Conversation(alice, bob))
}

func TestUpdateAndDeleteBySenderOnly(t *testing.T) {
	b := newTestBackend()
	d, err := b.Apply(alice, types.NewCreate("hi", alice, bob))
	require.NoError(t, err)
	id := d.Event.Message.ID

	_, err = b.Apply(bob, types.NewUpdate(id, "hacked"))
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = b.Apply(alice, types.NewUpdate(42, "x"))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	d, err = b.Apply(alice, types.NewUpdate(id, "hello"))
	require.NoError(t, err)
	assert.Equal(t, types.EventUpdated, d.Event.Type)
	assert.Equal(t, "hello", d.Event.Message.Text)
	assert.True(t, d.Event.Message.UpdatedAt.After(d.Event.Message.CreatedAt))

	_, err = b.Apply(bob, types.NewDelete(id))
	assert.ErrorIs(t, err, ErrForbidden)
	d, err = b.Apply(alice, types.NewDelete(id))
	require.NoError(t, err)
	assert.Equal(t, id, d.Event.Deleted.ID)
	assert.ElementsMatch(t, []types.UserID{alice, bob}, d.Recipients)
	assert.Empty(t, b.Conversation(bob, alice))
}

func TestConversationIsScopedToPair(t *testing.T) {
	b := newTestBackend()
	for _, cmd := range []struct {
		from types.UserID
		cmd  types.Command
	}{
		{alice, types.NewCreate("a->b", alice, bob)},
		{carol, types.NewCreate("c->a", carol, alice)},
		{bob, types.NewCreate("b->a", bob, alice)},
	} {
		_, err := b.Apply(cmd.from, cmd.cmd)
		require.NoError(t, err)
	}

	msgs := b.Conversation(alice, bob)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a->b", msgs[0].Text)
	assert.Equal(t, "b->a", msgs[1].Text)
}

func TestRecentChatsAndReadReceipt(t *testing.T) {
	b := newTestBackend()
	_, err := b.Apply(bob, types.NewCreate("one", bob, alice))
	require.NoError(t, err)
	_, err = b.Apply(bob, types.NewCreate("two", bob, alice))
	require.NoError(t, err)
	_, err = b.Apply(alice, types.NewCreate("hey carol", alice, carol))
	require.NoError(t, err)

	rows := b.RecentChats(alice)
	require.Len(t, rows, 2)
	assert.Equal(t, carol, rows[0].FriendID)
	assert.Equal(t, "Carol", rows[0].Name)
	assert.Equal(t, 0, rows[0].UnreadCount)
	assert.Equal(t, bob, rows[1].FriendID)
	assert.Equal(t, "two", rows[1].LastMessage)
	assert.Equal(t, 2, rows[1].UnreadCount)

	d, err := b.Apply(alice, types.NewRead(bob, alice))
	require.NoError(t, err)
	assert.Equal(t, types.EventReadReceipt, d.Event.Type)
	assert.Equal(t, types.ReadReceipt{SenderID: bob, ReceiverID: alice}, *d.Event.Receipt)
	assert.ElementsMatch(t, []types.UserID{alice, bob}, d.Recipients)

	for _, r := range b.RecentChats(alice) {
		assert.Zero(t, r.UnreadCount)
	}
}

func TestMarkReadForSomeoneElseRejected(t *testing.T) {
	b := newTestBackend()
	_, err := b.Apply(alice, types.NewRead(bob, carol))
	assert.ErrorIs(t, err, ErrForbidden)
}
