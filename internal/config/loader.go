package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"hacoordinator/internal/coordinator"
	"hacoordinator/internal/entries"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults applied to missing settings.
const (
	DefaultAPIPort    = 8080
	DefaultMQTTPrefix = "hacoordinator"
	DefaultLogLevel   = "info"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses the duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config represents the config.yaml structure
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Entries  []EntryConfig `yaml:"entries"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	API      APIConfig     `yaml:"api"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// EntryConfig is one configured integration instance
type EntryConfig struct {
	Integration    string         `yaml:"integration"`
	Title          string         `yaml:"title"`
	UpdateInterval Duration       `yaml:"update_interval"`
	Cooldown       Duration       `yaml:"cooldown"`
	Immediate      *bool          `yaml:"immediate"`
	Options        map[string]any `yaml:"options"`
}

// MQTTConfig configures the MQTT bridge. An empty URL disables it.
type MQTTConfig struct {
	// e.g. tcp://127.0.0.1:1883
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
}

// APIConfig configures the HTTP status server
type APIConfig struct {
	Port int `yaml:"port"`
}

// MetricsConfig configures metric export
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
	Runtime bool  `yaml:"runtime"`
}

// MetricsEnabled reports whether metrics are on; they are unless disabled.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// Parse decodes and validates config data. ${VAR} references are expanded
// from the environment first, so secrets can live in .env.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = DefaultMQTTPrefix
	}
}

// Validate checks the settings that decoding cannot.
func (c *Config) Validate() error {
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS)
	}
	titles := make(map[string]int, len(c.Entries))
	for i, e := range c.Entries {
		if e.Integration == "" {
			return fmt.Errorf("entry %d: integration is required", i)
		}
		// Coordinators are addressed by title, which defaults to the integration
		title := e.Title
		if title == "" {
			title = e.Integration
		}
		if j, ok := titles[title]; ok {
			return fmt.Errorf("entry %d: duplicate title %q (also used by entry %d)", i, title, j)
		}
		titles[title] = i
		if e.UpdateInterval < 0 {
			return fmt.Errorf("entry %d (%s): update_interval must not be negative", i, e.Integration)
		}
		if e.Cooldown < 0 {
			return fmt.Errorf("entry %d (%s): cooldown must not be negative", i, e.Integration)
		}
	}
	return nil
}

// ApplyEnv overrides file settings with API_PORT, MQTT_URL and LOG_LEVEL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("API_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		c.API.Port = port
	}
	if v, ok := lookup("MQTT_URL"); ok && v != "" {
		c.MQTT.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	return c.Validate()
}

// EntryConfigs converts the entries for the entry manager. Unset debounce
// settings get the coordinator defaults.
func (c *Config) EntryConfigs() []entries.Config {
	out := make([]entries.Config, 0, len(c.Entries))
	for _, e := range c.Entries {
		cooldown := time.Duration(e.Cooldown)
		if cooldown == 0 {
			cooldown = coordinator.DefaultRequestRefreshCooldown
		}
		immediate := coordinator.DefaultRequestRefreshImmediate
		if e.Immediate != nil {
			immediate = *e.Immediate
		}
		out = append(out, entries.Config{
			Integration:    e.Integration,
			Title:          e.Title,
			UpdateInterval: time.Duration(e.UpdateInterval),
			Cooldown:       cooldown,
			Immediate:      immediate,
			Options:        e.Options,
		})
	}
	return out
}

// Loader manages configuration file loading and reloading
type Loader struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	config *Config
}

// NewLoader creates a new configuration loader
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Load reads and validates the config file. On failure the previously
// loaded config is kept.
func (l *Loader) Load() (*Config, error) {
	l.logger.Debug("Loading config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.path, err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	l.logger.Info("Config loaded successfully",
		zap.String("path", l.path),
		zap.Int("entries", len(cfg.Entries)))
	return cfg, nil
}

// GetConfig returns the last successfully loaded config, or nil
func (l *Loader) GetConfig() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}
