package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// DevUser is an account known to the development server.
type DevUser struct {
	ID   int64  `toml:"id" json:"id"`
	Name string `toml:"name" json:"name"`
}

// DevServerConfig holds the development chat server configuration.
type DevServerConfig struct {
	Addr            string             `toml:"addr" json:"addr"`
	ReadBufferSize  int                `toml:"read_buffer" json:"read_buffer_size"`
	WriteBufferSize int                `toml:"write_buffer" json:"write_buffer_size"`
	SendBuffer      int                `toml:"send_buffer" json:"send_buffer"`
	WriteTimeout    time.Duration      `toml:"write_timeout" json:"write_timeout"`
	Users           map[string]DevUser `toml:"users" json:"users"` // keyed by bearer token
}

// DefaultDevServerConfig returns the default development server configuration.
func DefaultDevServerConfig() *DevServerConfig {
	return &DevServerConfig{
		Addr:            "127.0.0.1:3001",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		Users: map[string]DevUser{
			"alice-token": {ID: 1, Name: "Alice"},
			"bob-token":   {ID: 2, Name: "Bob"},
			"carol-token": {ID: 3, Name: "Carol"},
		},
	}
}

// LoadDevServer decodes a TOML file over the defaults. A [users] table in
// the file replaces the default accounts.
func LoadDevServer(path string) (*DevServerConfig, error) {
	cfg := DefaultDevServerConfig()
	if path == "" {
		return cfg, nil
	}
	var file DevServerConfig
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if md.IsDefined("addr") {
		cfg.Addr = file.Addr
	}
	if file.ReadBufferSize > 0 {
		cfg.ReadBufferSize = file.ReadBufferSize
	}
	if file.WriteBufferSize > 0 {
		cfg.WriteBufferSize = file.WriteBufferSize
	}
	if file.SendBuffer > 0 {
		cfg.SendBuffer = file.SendBuffer
	}
	if file.WriteTimeout > 0 {
		cfg.WriteTimeout = file.WriteTimeout
	}
	if len(file.Users) > 0 {
		cfg.Users = file.Users
	}
	return cfg, nil
}
