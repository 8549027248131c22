package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrNotStarted = errors.New("redis relay not started")

// envelope carries a frame with its recipients and the originating
// instance, so an instance can skip what it published itself.
type envelope struct {
	InstanceID string          `json:"instance_id"`
	Recipients []types.UserID  `json:"recipients"`
	Frame      json.RawMessage `json:"frame"`
}

// RedisBridge relays event frames between server instances via Redis
// pub/sub.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     Target
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a relay delivering remote frames to target.
func NewRedisBridge(cfg *RedisConfig, target Target, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		channel:    cfg.Channel(),
		instanceID: uuid.New().String(),
		target:     target,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InstanceID identifies this relay on the channel.
func (b *RedisBridge) InstanceID() string { return b.instanceID }

// Start subscribes to the relay channel and begins delivering frames.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	sub := b.client.Subscribe(b.ctx, b.channel)
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends a frame to all other instances.
func (b *RedisBridge) Publish(recipients []types.UserID, frame []byte) error {
	if !b.Available() {
		return ErrNotStarted
	}
	data, err := b.encode(recipients, frame)
	if err != nil {
		return err
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Stop unsubscribes and closes the Redis connection.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// Available reports whether the relay is subscribed.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle([]byte(msg.Payload))
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) encode(recipients []types.UserID, frame []byte) ([]byte, error) {
	return json.Marshal(envelope{
		InstanceID: b.instanceID,
		Recipients: recipients,
		Frame:      frame,
	})
}

// handle decodes an envelope and delivers frames from other instances.
func (b *RedisBridge) handle(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode relay envelope")
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}
	if len(env.Recipients) == 0 || len(env.Frame) == 0 {
		b.logger.Warn().Str("from_instance", env.InstanceID).Msg("empty relay envelope, dropping")
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Int("recipients", len(env.Recipients)).
		Msg("relaying frame from redis")

	b.target.DeliverLocal(env.Recipients, env.Frame)
}
