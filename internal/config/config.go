package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.rtchat/config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile"`
	Server         ServerConfig    `toml:"server"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Invoke         InvokeConfig    `toml:"invoke"`
	Groups         GroupsConfig    `toml:"groups"`
	Typing         TypingConfig    `toml:"typing"`
	Presence       PresenceConfig  `toml:"presence"`
	Reconcile      ReconcileConfig `toml:"reconcile"`
}

// ServerConfig locates the chat hub.
type ServerConfig struct {
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	AccountID string `toml:"account_id"`
}

// ReconnectConfig controls the transport's reconnect backoff and keepalive.
type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"` // 0 = unlimited
	Heartbeat   Duration `toml:"heartbeat"`
}

// InvokeConfig controls the invoke queue.
type InvokeConfig struct {
	QueueTimeout Duration `toml:"queue_timeout"`
	AckTimeout   Duration `toml:"ack_timeout"`
}

// GroupsConfig controls conversation rejoin after reconnection.
type GroupsConfig struct {
	RejoinRetryDelay Duration `toml:"rejoin_retry_delay"`
}

// TypingConfig controls typing emission and indicator rendering.
type TypingConfig struct {
	Heartbeat           Duration `toml:"heartbeat"`
	Debounce            Duration `toml:"debounce"`
	IndicatorTTL        Duration `toml:"indicator_ttl"`
	NearBottomThreshold int      `toml:"near_bottom_threshold"`
}

// PresenceConfig controls snapshot batching.
type PresenceConfig struct {
	Staleness        Duration `toml:"staleness"`
	BatchSize        int      `toml:"batch_size"`
	RateLimitBackoff Duration `toml:"rate_limit_backoff"`
}

// ReconcileConfig controls the optimistic send path.
type ReconcileConfig struct {
	SendTimeout Duration `toml:"send_timeout"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://127.0.0.1:8080"},
		Reconnect: ReconnectConfig{
			BaseDelay: Duration{time.Second},
			MaxDelay:  Duration{30 * time.Second},
			Heartbeat: Duration{25 * time.Second},
		},
		Invoke: InvokeConfig{
			QueueTimeout: Duration{8 * time.Second},
			AckTimeout:   Duration{10 * time.Second},
		},
		Groups: GroupsConfig{
			RejoinRetryDelay: Duration{1500 * time.Millisecond},
		},
		Typing: TypingConfig{
			Heartbeat:           Duration{time.Second},
			Debounce:            Duration{3 * time.Second},
			IndicatorTTL:        Duration{6 * time.Second},
			NearBottomThreshold: 120,
		},
		Presence: PresenceConfig{
			Staleness:        Duration{90 * time.Second},
			BatchSize:        100,
			RateLimitBackoff: Duration{10 * time.Second},
		},
		Reconcile: ReconcileConfig{
			SendTimeout: Duration{15 * time.Second},
		},
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks that every timing and size is usable.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url cannot be empty")
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"reconnect.base_delay", c.Reconnect.BaseDelay},
		{"reconnect.max_delay", c.Reconnect.MaxDelay},
		{"reconnect.heartbeat", c.Reconnect.Heartbeat},
		{"invoke.queue_timeout", c.Invoke.QueueTimeout},
		{"invoke.ack_timeout", c.Invoke.AckTimeout},
		{"groups.rejoin_retry_delay", c.Groups.RejoinRetryDelay},
		{"typing.heartbeat", c.Typing.Heartbeat},
		{"typing.debounce", c.Typing.Debounce},
		{"typing.indicator_ttl", c.Typing.IndicatorTTL},
		{"presence.staleness", c.Presence.Staleness},
		{"presence.rate_limit_backoff", c.Presence.RateLimitBackoff},
		{"reconcile.send_timeout", c.Reconcile.SendTimeout},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Presence.BatchSize <= 0 {
		return fmt.Errorf("presence.batch_size must be > 0")
	}
	if c.Typing.NearBottomThreshold < 0 {
		return fmt.Errorf("typing.near_bottom_threshold must be >= 0")
	}
	return nil
}

// Duration is a time.Duration stored as a Go duration string ("1.5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
