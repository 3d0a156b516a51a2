// Package config loads the relay configuration from config.yaml with
// environment overrides and applied defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	otelx "github.com/symphainy/relay/internal/otel"
)

// RealmConfig fixes the set of channels a realm may use. The gateway trusts
// upstream authorization; this only drives endpoint discovery.
type RealmConfig struct {
	Channels []string `yaml:"channels"`
}

// SweeperConfig controls the idle-connection sweeper.
type SweeperConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a standard 5-field cron expression. Empty means every minute.
	Schedule           string `yaml:"schedule"`
	IdleTimeoutMinutes int    `yaml:"idle_timeout_minutes"`
}

// RedisConfig points the bus at the shared broker. An empty Addr selects the
// in-process broker (single-instance mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CloseCodes holds the WebSocket close codes used for admission rejections.
// These are local conventions, not a wire contract.
type CloseCodes struct {
	ValidationFailed int `yaml:"validation_failed"`
	UserLimit        int `yaml:"user_limit"`
	GlobalLimit      int `yaml:"global_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	// PublicURL is the externally reachable base URL advertised by endpoint
	// discovery (e.g. "wss://relay.example.com"). Empty falls back to BindAddr.
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`
	// InstanceID identifies this gateway instance in message metadata.
	InstanceID string `yaml:"instance_id"`

	Redis  RedisConfig `yaml:"redis"`
	DBPath string      `yaml:"db_path"`

	// SessionValidatorURL points at the external session validator service.
	SessionValidatorURL string `yaml:"session_validator_url"`
	// DevSessions is a static token→user map used when no validator URL is
	// configured. Dev/test only.
	DevSessions map[string]string `yaml:"dev_sessions"`

	MaxConnectionsPerUser int `yaml:"max_connections_per_user"`
	MaxConnectionsTotal   int `yaml:"max_connections_total"`

	CloseCodes CloseCodes `yaml:"close_codes"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Realms map[string]RealmConfig `yaml:"realms"`

	// ChannelSchemas maps a channel name to an inline JSON Schema (as a YAML
	// string) validated against inbound envelope payloads on that channel.
	ChannelSchemas map[string]string `yaml:"channel_schemas"`

	Sweeper SweeperConfig `yaml:"sweeper"`

	OTel otelx.Config `yaml:"otel"`
}

// HomeDir returns the relay data directory (RELAY_HOME or ~/.relay).
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18900",
		LogLevel: "info",
		CloseCodes: CloseCodes{
			ValidationFailed: 4001,
			UserLimit:        4004,
			GlobalLimit:      4005,
		},
		Realms: map[string]RealmConfig{
			"default": {Channels: []string{"guide", "pillar:content", "pillar:journey", "pillar:insight"}},
		},
		Sweeper: SweeperConfig{
			Enabled:            true,
			Schedule:           "* * * * *",
			IdleTimeoutMinutes: 30,
		},
	}
}

// Load reads config.yaml from the relay home directory, applying defaults
// and environment overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFile parses a specific config file with the same defaults and
// normalization as Load. Used by tests and the -config flag.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("RELAY_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_SESSION_VALIDATOR_URL"); v != "" {
		cfg.SessionValidatorURL = v
	}
	if v := os.Getenv("RELAY_MAX_CONNECTIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnectionsPerUser = n
		}
	}
	if v := os.Getenv("RELAY_MAX_CONNECTIONS_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnectionsTotal = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18900"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "relay"
		}
		cfg.InstanceID = host + ":" + cfg.BindAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "relay.db")
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 5
	}
	if cfg.MaxConnectionsTotal <= 0 {
		cfg.MaxConnectionsTotal = 1000
	}
	if cfg.CloseCodes.ValidationFailed == 0 {
		cfg.CloseCodes.ValidationFailed = 4001
	}
	if cfg.CloseCodes.UserLimit == 0 {
		cfg.CloseCodes.UserLimit = 4004
	}
	if cfg.CloseCodes.GlobalLimit == 0 {
		cfg.CloseCodes.GlobalLimit = 4005
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "* * * * *"
	}
	if cfg.Sweeper.IdleTimeoutMinutes <= 0 {
		cfg.Sweeper.IdleTimeoutMinutes = 30
	}
	if len(cfg.Realms) == 0 {
		cfg.Realms = defaultConfig().Realms
	}
}

// Fingerprint returns a stable hash of the active admission and routing
// settings, exposed on the stats endpoint.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d|%d",
		c.BindAddr,
		c.MaxConnectionsPerUser, c.MaxConnectionsTotal,
		c.CloseCodes.ValidationFailed, c.CloseCodes.UserLimit, c.CloseCodes.GlobalLimit)
	realms := make([]string, 0, len(c.Realms))
	for realm := range c.Realms {
		realms = append(realms, realm)
	}
	slices.Sort(realms)
	for _, realm := range realms {
		fmt.Fprintf(h, "|%s=%s", realm, strings.Join(c.Realms[realm].Channels, ","))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// RealmChannels returns the channel set for a realm, or false if the realm
// is not configured.
func (c Config) RealmChannels(realm string) ([]string, bool) {
	rc, ok := c.Realms[realm]
	if !ok {
		return nil, false
	}
	return rc.Channels, true
}
