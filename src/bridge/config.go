package bridge

import (
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis relay.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string
	DB       int
	Prefix   string // key prefix, default "chatsync:ws:"
}

// DefaultRedisConfig returns a RedisConfig pointing at a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "chatsync:ws:",
	}
}

// RedisConfigFromEnv reads CHATSYNC_REDIS_URL, or the individual
// CHATSYNC_REDIS_ADDR, CHATSYNC_REDIS_PASSWORD, CHATSYNC_REDIS_DB and
// CHATSYNC_REDIS_PREFIX variables. Missing or unparsable values keep
// their defaults.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if raw := os.Getenv("CHATSYNC_REDIS_URL"); raw != "" {
		if opts, err := redis.ParseURL(raw); err == nil {
			cfg.Addr = opts.Addr
			cfg.Password = opts.Password
			cfg.DB = opts.DB
		}
	}
	if addr := os.Getenv("CHATSYNC_REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("CHATSYNC_REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if s := os.Getenv("CHATSYNC_REDIS_DB"); s != "" {
		if db, err := strconv.Atoi(s); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("CHATSYNC_REDIS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// Channel is the pub/sub channel the relay uses.
func (c *RedisConfig) Channel() string {
	return c.Prefix + "events"
}
