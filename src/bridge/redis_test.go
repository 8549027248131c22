package bridge

import (
	"encoding/json"
	"testing"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	recipients []types.UserID
	frame      string
}

// mockTarget records frames forwarded from the bridge.
type mockTarget struct {
	received []delivery
}

func (m *mockTarget) DeliverLocal(recipients []types.UserID, frame []byte) {
	m.received = append(m.received, delivery{recipients, string(frame)})
}

func newTestBridge(target Target) *RedisBridge {
	return NewRedisBridge(DefaultRedisConfig(), target, zerolog.Nop())
}

func envelopeFrom(t *testing.T, instance string, recipients []types.UserID, frame string) []byte {
	t.Helper()
	data, err := json.Marshal(envelope{InstanceID: instance, Recipients: recipients, Frame: json.RawMessage(frame)})
	require.NoError(t, err)
	return data
}

func TestEnvelopeKeepsFrameVerbatim(t *testing.T) {
	b := newTestBridge(&mockTarget{})
	frame := `{"type":"message:deleted","payload":{"id":7}}`

	data, err := b.encode([]types.UserID{1, 2}, []byte(frame))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, b.InstanceID(), env.InstanceID)
	assert.Equal(t, []types.UserID{1, 2}, env.Recipients)
	assert.JSONEq(t, frame, string(env.Frame))
}

func TestHandleDeliversRemoteFrames(t *testing.T) {
	target := &mockTarget{}
	b := newTestBridge(target)
	frame := `{"type":"message:read-receipt","payload":{"senderId":2,"receiverId":1}}`

	b.handle(envelopeFrom(t, "other-node", []types.UserID{1, 2}, frame))

	require.Len(t, target.received, 1)
	assert.Equal(t, []types.UserID{1, 2}, target.received[0].recipients)
	assert.JSONEq(t, frame, target.received[0].frame)
}

func TestHandleSkipsOwnFrames(t *testing.T) {
	target := &mockTarget{}
	b := newTestBridge(target)

	b.handle(envelopeFrom(t, b.InstanceID(), []types.UserID{1}, `{"type":"message:deleted","payload":{"id":1}}`))
	assert.Empty(t, target.received)
}

func TestHandleDropsBadEnvelopes(t *testing.T) {
	target := &mockTarget{}
	b := newTestBridge(target)

	b.handle([]byte(`not json`))
	b.handle(envelopeFrom(t, "other-node", nil, `{"type":"message:deleted","payload":{"id":1}}`))
	assert.Empty(t, target.received)
}

func TestPublishBeforeStart(t *testing.T) {
	b := newTestBridge(&mockTarget{})
	assert.False(t, b.Available())
	assert.ErrorIs(t, b.Publish([]types.UserID{1}, []byte(`{}`)), ErrNotStarted)
}

func TestInstanceIDUnique(t *testing.T) {
	b1 := newTestBridge(&mockTarget{})
	b2 := newTestBridge(&mockTarget{})
	assert.NotEqual(t, b1.InstanceID(), b2.InstanceID())
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "chatsync:ws:events", cfg.Channel())
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("CHATSYNC_REDIS_PASSWORD", "secret")
	t.Setenv("CHATSYNC_REDIS_DB", "3")
	t.Setenv("CHATSYNC_REDIS_PREFIX", "test:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:events", cfg.Channel())
}

func TestRedisConfigFromURL(t *testing.T) {
	t.Setenv("CHATSYNC_REDIS_URL", "redis://:pw@cache:6390/5")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "cache:6390", cfg.Addr)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, 5, cfg.DB)
}

func TestRedisConfigFromEnvInvalid(t *testing.T) {
	t.Setenv("CHATSYNC_REDIS_DB", "not-a-number")
	t.Setenv("CHATSYNC_REDIS_URL", "::bad::")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, DefaultRedisConfig(), cfg)
}
