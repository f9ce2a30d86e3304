package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://localhost:8000", cfg.Server.URL)
	assert.Equal(t, "test", cfg.Chat.Topic)
	assert.False(t, cfg.Chat.TopicPerPair)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Dial.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  url: https://chat.example.com
chat:
  topic_per_pair: true
  filter_pair: true
timeouts:
  dial: 3s
  history: 1.5
logging:
  level: debug
  format: json
devserver:
  rate:
    rps: 2
    burst: 4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.Server.URL)
	assert.Equal(t, "test", cfg.Chat.Topic)
	assert.True(t, cfg.Chat.TopicPerPair)
	assert.True(t, cfg.Chat.FilterPair)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Dial.Duration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeouts.History.Duration())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 2.0, cfg.DevServer.Rate.RPS)
	assert.Equal(t, 4, cfg.DevServer.Rate.Burst)
	assert.Equal(t, "127.0.0.1:8000", cfg.DevServer.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  dial: soon\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"PAIRCHAT_SERVER_URL":           "http://10.0.0.1:9000",
		"PAIRCHAT_CHAT_TOPIC":           "lobby",
		"PAIRCHAT_CHAT_FILTER_PAIR":     "true",
		"PAIRCHAT_TIMEOUTS_HISTORY":     "250ms",
		"PAIRCHAT_LOG_LEVEL":            "warn",
		"PAIRCHAT_METRICS_ADDR":         ":9100",
		"PAIRCHAT_DEVSERVER_RATE_BURST": "20",
		"PAIRCHAT_LOG_FORMAT":           "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.1:9000", cfg.Server.URL)
	assert.Equal(t, "lobby", cfg.Chat.Topic)
	assert.True(t, cfg.Chat.FilterPair)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.History.Duration())
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "auto", cfg.Logging.Format)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, 20, cfg.DevServer.Rate.Burst)
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"PAIRCHAT_CHAT_TOPIC_PER_PAIR": "maybe",
		"PAIRCHAT_CHAT_TOPIC":          "still-applied",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAIRCHAT_CHAT_TOPIC_PER_PAIR")
	assert.False(t, cfg.Chat.TopicPerPair)
	assert.Equal(t, "still-applied", cfg.Chat.Topic)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "no server", mutate: func(c *Config) { c.Server.URL = "" }},
		{name: "blank topic", mutate: func(c *Config) { c.Chat.Topic = " " }},
		{name: "blank topic per pair", mutate: func(c *Config) { c.Chat.Topic = ""; c.Chat.TopicPerPair = true }, ok: true},
		{name: "negative timeout", mutate: func(c *Config) { c.Timeouts.Dial = Duration(-time.Second) }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
		{name: "negative burst", mutate: func(c *Config) { c.DevServer.Rate.Burst = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
