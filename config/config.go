package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the chat client configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server"`
	Session SessionConfig `toml:"session" json:"session"`
	Sync    SyncConfig    `toml:"sync" json:"sync"`
	Log     LogConfig     `toml:"log" json:"log"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	WSURL          string        `toml:"ws_url" json:"ws_url"`
	APIURL         string        `toml:"api_url" json:"api_url"`
	RequestTimeout time.Duration `toml:"request_timeout" json:"request_timeout"`
}

// SessionConfig identifies the signed-in user.
type SessionConfig struct {
	Token  string `toml:"token" json:"token"`
	UserID int64  `toml:"user_id" json:"user_id"`
}

// SyncConfig tunes buffers, refresh cadence and outbound throttling.
type SyncConfig struct {
	SummaryFreshness       time.Duration `toml:"summary_freshness" json:"summary_freshness"`
	SummaryRefreshInterval time.Duration `toml:"summary_refresh_interval" json:"summary_refresh_interval"`
	SendBuffer             int           `toml:"send_buffer" json:"send_buffer"`
	EventBuffer            int           `toml:"event_buffer" json:"event_buffer"`
	CommandsPerSecond      float64       `toml:"commands_per_second" json:"commands_per_second"`
	CommandBurst           int           `toml:"command_burst" json:"command_burst"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
	File  string `toml:"file" json:"file"`
}

// Default returns the default client configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:          "ws://127.0.0.1:3001/ws",
			APIURL:         "http://127.0.0.1:3001",
			RequestTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			SummaryFreshness:       30 * time.Second,
			SummaryRefreshInterval: 60 * time.Second,
			SendBuffer:             256,
			EventBuffer:            256,
			CommandBurst:           10,
		},
		Log: LogConfig{
			Level: "info",
			File:  "chatsync.log",
		},
	}
}

// Load decodes the TOML file at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATSYNC_* environment variables. Values
// that do not parse are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		c.Server.WSURL = v
	}
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		c.Server.APIURL = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		c.Session.Token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Session.UserID = id
		}
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid field.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate reports missing or out-of-range settings.
func (c *Config) Validate() error {
	var errs ValidateErrors
	if !strings.HasPrefix(c.Server.WSURL, "ws://") && !strings.HasPrefix(c.Server.WSURL, "wss://") {
		errs = append(errs, ValidationError{"server.ws_url", "must be a ws:// or wss:// URL"})
	}
	if !strings.HasPrefix(c.Server.APIURL, "http://") && !strings.HasPrefix(c.Server.APIURL, "https://") {
		errs = append(errs, ValidationError{"server.api_url", "must be an http:// or https:// URL"})
	}
	if c.Session.Token == "" {
		errs = append(errs, ValidationError{"session.token", "is required"})
	}
	if c.Session.UserID <= 0 {
		errs = append(errs, ValidationError{"session.user_id", "must be positive"})
	}
	if c.Sync.SendBuffer <= 0 {
		errs = append(errs, ValidationError{"sync.send_buffer", "must be positive"})
	}
	if c.Sync.EventBuffer <= 0 {
		errs = append(errs, ValidationError{"sync.event_buffer", "must be positive"})
	}
	if c.Sync.CommandsPerSecond < 0 {
		errs = append(errs, ValidationError{"sync.commands_per_second", "must not be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
