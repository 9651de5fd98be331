package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's boot configuration, loaded from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Match   MatchConfig   `toml:"match"`
	Retry   RetryConfig   `toml:"retry"`
	Events  EventsConfig  `toml:"events"`
	Bus     BusConfig     `toml:"bus"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type StorageConfig struct {
	// Backend selects the store implementation: "sqlite", "mysql" or
	// "memory".
	Backend string `toml:"backend"`
	// Path is the SQLite database file (sqlite backend only).
	Path string `toml:"path"`
	// DSN is the MySQL connection string (mysql backend only).
	DSN string `toml:"dsn"`
}

type MatchConfig struct {
	// Mode selects the Match Service composition: "memory",
	// "persistent" or "hybrid".
	Mode string `toml:"mode"`
	// FallbackEnabled toggles hybrid mode's durable fallback on take.
	FallbackEnabled bool `toml:"fallback_enabled"`
	// PollIntervalMS is the persistent store's idle poll interval.
	PollIntervalMS int `toml:"poll_interval_ms"`
	// DefaultQueue names the queue tasks land on when their
	// executionConfig does not set one.
	DefaultQueue string `toml:"default_queue"`
	// PollTimeoutSeconds bounds one worker long-poll.
	PollTimeoutSeconds int `toml:"poll_timeout_seconds"`
}

type RetryConfig struct {
	BaseDelayMS int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	MaxDelayMS  int     `toml:"max_delay_ms"`
	MaxAttempts int     `toml:"max_attempts"`
}

type EventsConfig struct {
	// Mode selects dispatcher behavior: "immediate" or "batched".
	Mode      string `toml:"mode"`
	BatchSize int    `toml:"batch_size"`
	// Emitter selects the backend: "log", "json", "otel" or "null".
	Emitter string `toml:"emitter"`
}

type BusConfig struct {
	Enabled bool   `toml:"enabled"`
	NATSURL string `toml:"nats_url"`
}

// DefaultConfig returns a Config with all defaults applied: SQLite
// storage, hybrid match, immediate log-emitted events, no bus.
func DefaultConfig() Config {
	return Config{
		Server:  ServerConfig{ListenAddr: ":8080"},
		Storage: StorageConfig{Backend: "sqlite", Path: "./orchestrator.db"},
		Match: MatchConfig{
			Mode:               "hybrid",
			FallbackEnabled:    true,
			PollIntervalMS:     100,
			DefaultQueue:       "default",
			PollTimeoutSeconds: 30,
		},
		Retry: RetryConfig{
			BaseDelayMS: 5000,
			Multiplier:  2,
			MaxDelayMS:  30000,
			MaxAttempts: 3,
		},
		Events: EventsConfig{Mode: "immediate", BatchSize: 20, Emitter: "log"},
		Bus:    BusConfig{Enabled: false, NATSURL: "nats://127.0.0.1:4222"},
	}
}

// LoadConfig reads path and overlays it on DefaultConfig. A missing
// path returns the defaults untouched so the daemon runs with zero
// setup.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "mysql", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Match.Mode {
	case "memory", "persistent", "hybrid":
	default:
		return fmt.Errorf("config: unknown match mode %q", c.Match.Mode)
	}
	switch c.Events.Mode {
	case "immediate", "batched":
	default:
		return fmt.Errorf("config: unknown events mode %q", c.Events.Mode)
	}
	switch c.Events.Emitter {
	case "log", "json", "otel", "null":
	default:
		return fmt.Errorf("config: unknown emitter %q", c.Events.Emitter)
	}
	return nil
}
