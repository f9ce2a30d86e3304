// Package config loads client and dev server settings from a YAML file
// and PAIRCHAT_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/omochice/pairchat/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAIRCHAT_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chat      ChatConfig      `yaml:"chat"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DevServer DevServerConfig `yaml:"devserver"`
}

type ServerConfig struct {
	URL string `yaml:"url"`
}

type ChatConfig struct {
	Topic        string `yaml:"topic"`
	TopicPerPair bool   `yaml:"topic_per_pair"`
	FilterPair   bool   `yaml:"filter_pair"`
}

type TimeoutsConfig struct {
	Dial    Duration `yaml:"dial"`
	History Duration `yaml:"history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type DevServerConfig struct {
	Addr string `yaml:"addr"`
	Rate struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate"`
}

// Duration accepts Go duration strings or plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, errors.Errorf("invalid duration value: %q", raw)
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	cfg := Config{
		Server:   ServerConfig{URL: "http://localhost:8000"},
		Chat:     ChatConfig{Topic: "test"},
		Timeouts: TimeoutsConfig{Dial: Duration(10 * time.Second), History: Duration(15 * time.Second)},
		Logging:  LoggingConfig{Level: "info", Format: "auto"},
	}
	cfg.DevServer.Addr = "127.0.0.1:8000"
	cfg.DevServer.Rate.RPS = 5
	cfg.DevServer.Rate.Burst = 10
	return cfg
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, errors.Errorf("config file not found: %s", path)
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PAIRCHAT_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	c.Server.URL = env.str("SERVER_URL", c.Server.URL)
	c.Chat.Topic = env.str("CHAT_TOPIC", c.Chat.Topic)
	c.Chat.TopicPerPair = env.boolean("CHAT_TOPIC_PER_PAIR", c.Chat.TopicPerPair)
	c.Chat.FilterPair = env.boolean("CHAT_FILTER_PAIR", c.Chat.FilterPair)
	c.Timeouts.Dial = Duration(env.duration("TIMEOUTS_DIAL", c.Timeouts.Dial.Duration()))
	c.Timeouts.History = Duration(env.duration("TIMEOUTS_HISTORY", c.Timeouts.History.Duration()))
	c.Logging.Level = env.str("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = env.str("LOG_FORMAT", c.Logging.Format)
	c.Metrics.Addr = env.str("METRICS_ADDR", c.Metrics.Addr)
	c.DevServer.Addr = env.str("DEVSERVER_ADDR", c.DevServer.Addr)
	c.DevServer.Rate.RPS = env.float("DEVSERVER_RATE_RPS", c.DevServer.Rate.RPS)
	c.DevServer.Rate.Burst = env.integer("DEVSERVER_RATE_BURST", c.DevServer.Rate.Burst)
	return env.err
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !c.Chat.TopicPerPair && strings.TrimSpace(c.Chat.Topic) == "" {
		return errors.New("chat.topic is required unless chat.topic_per_pair is set")
	}
	if c.Timeouts.Dial < 0 || c.Timeouts.History < 0 {
		return errors.New("timeouts must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	switch c.Logging.Format {
	case "", "auto", "console", "json":
	default:
		return errors.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.DevServer.Rate.RPS < 0 || c.DevServer.Rate.Burst < 0 {
		return errors.New("devserver.rate must not be negative")
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
	}
}

func (e *envReader) str(key, fallback string) string {
	if v, ok := e.get(key); ok {
		return v
	}
	return fallback
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v, ok := e.get(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return b
}

func (e *envReader) integer(key string, fallback int) int {
	v, ok := e.get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return n
}

func (e *envReader) float(key string, fallback float64) float64 {
	v, ok := e.get(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return f
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := e.get(key)
	if !ok {
		return fallback
	}
	d, err := parseDuration(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return d
}
