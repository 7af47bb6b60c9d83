package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Typing.Debounce = Duration{2 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Typing.Debounce.Duration != 2*time.Second {
		t.Errorf("Typing.Debounce = %v, want 2s", loaded.Typing.Debounce)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_profile = \"main\"\n\n[presence]\nbatch_size = 25\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Presence.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Presence.BatchSize)
	}
	if cfg.Presence.Staleness.Duration != 90*time.Second {
		t.Errorf("Staleness = %v, want default 90s", cfg.Presence.Staleness)
	}
	if cfg.Invoke.QueueTimeout.Duration != 8*time.Second {
		t.Errorf("QueueTimeout = %v, want default 8s", cfg.Invoke.QueueTimeout)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Groups.RejoinRetryDelay.Duration != 1500*time.Millisecond {
		t.Errorf("RejoinRetryDelay = %v, want 1.5s", cfg.Groups.RejoinRetryDelay)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[typing]\ndebounce = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for malformed duration")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"empty url", func(c *Config) { c.Server.URL = "" }, true},
		{"zero debounce", func(c *Config) { c.Typing.Debounce = Duration{} }, true},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }, true},
		{"zero batch", func(c *Config) { c.Presence.BatchSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("RTCHAT_SERVER_URL", "https://chat.example.test")
	t.Setenv("RTCHAT_PRESENCE_BATCH_SIZE", "40")
	t.Setenv("RTCHAT_INVOKE_QUEUE_TIMEOUT", "2s")
	t.Setenv("RTCHAT_PRESENCE_STALENESS", "not-a-duration")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Server.URL != "https://chat.example.test" {
		t.Errorf("Server.URL = %q", cfg.Server.URL)
	}
	if cfg.Presence.BatchSize != 40 {
		t.Errorf("BatchSize = %d, want 40", cfg.Presence.BatchSize)
	}
	if cfg.Invoke.QueueTimeout.Duration != 2*time.Second {
		t.Errorf("QueueTimeout = %v, want 2s", cfg.Invoke.QueueTimeout)
	}
	if cfg.Presence.Staleness.Duration != 90*time.Second {
		t.Errorf("Staleness = %v, want fallback 90s", cfg.Presence.Staleness)
	}
}
