package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file into the process environment if one exists.
// Variables already set in the environment win.
func LoadDotenv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// ApplyEnv overrides config values from RTCHAT_* environment variables.
func (c *Config) ApplyEnv() {
	c.DefaultProfile = getEnv("RTCHAT_PROFILE", c.DefaultProfile)
	c.Server.URL = getEnv("RTCHAT_SERVER_URL", c.Server.URL)
	c.Server.Token = getEnv("RTCHAT_TOKEN", c.Server.Token)
	c.Server.AccountID = getEnv("RTCHAT_ACCOUNT_ID", c.Server.AccountID)
	c.Presence.BatchSize = getEnvInt("RTCHAT_PRESENCE_BATCH_SIZE", c.Presence.BatchSize)
	c.Reconnect.MaxAttempts = getEnvInt("RTCHAT_RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.Invoke.QueueTimeout = getEnvDuration("RTCHAT_INVOKE_QUEUE_TIMEOUT", c.Invoke.QueueTimeout)
	c.Presence.Staleness = getEnvDuration("RTCHAT_PRESENCE_STALENESS", c.Presence.Staleness)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback Duration) Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var d Duration
	if err := d.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return d
}
