// Package config holds server configuration with env-var overrides.
package config

import (
	"os"
	"strconv"
	"time"
)

// SocketConfig holds WebSocket server configuration.
type SocketConfig struct {
	ListenAddr         string        `json:"listen_addr"`
	PingInterval       time.Duration `json:"ping_interval"`
	DedupWindow        time.Duration `json:"dedup_window"`
	RelaxedDedupWindow time.Duration `json:"relaxed_dedup_window"`
	ReadBufferSize     int           `json:"read_buffer_size"`
	WriteBufferSize    int           `json:"write_buffer_size"`
}

// DefaultConfig returns the default socket configuration.
func DefaultConfig() *SocketConfig {
	return &SocketConfig{
		ListenAddr:         ":8080",
		PingInterval:       30 * time.Second,
		DedupWindow:        300 * time.Millisecond,
		RelaxedDedupWindow: 100 * time.Millisecond,
		ReadBufferSize:     1024,
		WriteBufferSize:    1024,
	}
}

// FromEnv loads socket configuration from environment variables, falling
// back to defaults for any missing or malformed values.
func FromEnv() *SocketConfig {
	cfg := DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if v := os.Getenv("PING_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PingInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DEDUP_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.DedupWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RELAXED_DEDUP_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RelaxedDedupWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WS_READ_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReadBufferSize = n
		}
	}
	if v := os.Getenv("WS_WRITE_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WriteBufferSize = n
		}
	}
	return cfg
}
