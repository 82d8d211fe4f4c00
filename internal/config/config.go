// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads engine configuration through a layered koanf
// stack: struct defaults, then an optional YAML file, then environment
// variables — each layer overriding the last, following the teacher's
// internal/config/koanf.go precedence order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the engine's full runtime configuration, covering the
// environment variables named in SPEC_FULL.md §6 plus the ambient
// logging/data-directory/health-endpoint knobs.
type Config struct {
	TelegramToken string `koanf:"telegram_token"`
	AdminID       string `koanf:"admin_id"`
	Port          int    `koanf:"port"`

	DataDir string `koanf:"data_dir"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Governor GovernorConfig `koanf:"governor"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Fetch    FetchConfig    `koanf:"fetch"`
	Patrol   PatrolConfig   `koanf:"patrol"`
	Store    StoreConfig    `koanf:"store"`
	API      APIConfig      `koanf:"api"`
	Notify   NotifyConfig   `koanf:"notify"`
}

// GovernorConfig tunes the two rate-limiting primitives of SPEC_FULL.md §4.2.
type GovernorConfig struct {
	FetchRPS             float64 `koanf:"fetch_rps"`
	FetchBurst           int     `koanf:"fetch_burst"`
	NotificationDrainRPS float64 `koanf:"notification_drain_rps"`
	NotificationCapacity int     `koanf:"notification_capacity"`
	CongestionThreshold  int     `koanf:"congestion_threshold"`
}

// BreakerConfig tunes the per-host circuit breaker registry of
// SPEC_FULL.md §4.3.
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
	HalfOpenProbes   uint32        `koanf:"half_open_probes"`
}

// FetchConfig tunes the Request Manager of SPEC_FULL.md §4.4.
type FetchConfig struct {
	HardTimeout     time.Duration `koanf:"hard_timeout"`
	InterRequestMin time.Duration `koanf:"inter_request_min"`
	InterRequestMax time.Duration `koanf:"inter_request_max"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	RespectRobots   bool          `koanf:"respect_robots"`
}

// PatrolConfig tunes the scheduler of SPEC_FULL.md §4.7.
type PatrolConfig struct {
	CycleInterval time.Duration `koanf:"cycle_interval"`
}

// StoreConfig tunes the atomic store of SPEC_FULL.md §4.1.
type StoreConfig struct {
	MinFreeSpaceMB int `koanf:"min_free_space_mb"`
	MaxBackups     int `koanf:"max_backups"`
}

// APIConfig tunes the optional health/metrics HTTP surface.
type APIConfig struct {
	Addr string `koanf:"addr"`
}

// NotifyConfig points at the chat-layer webhook bridge, when one is
// deployed in front of the engine rather than an in-process Notifier.
type NotifyConfig struct {
	WebhookURL string `koanf:"webhook_url"`
}

// DefaultConfigPaths lists where an optional YAML config file is
// searched, in priority order; the first one found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sitewarden/config.yaml",
}

// ConfigPathEnvVar overrides the search above with an explicit path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Port:      0,
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "console",
		Governor: GovernorConfig{
			FetchRPS:             5.0,
			FetchBurst:           5,
			NotificationDrainRPS: 25.0,
			NotificationCapacity: 1000,
			CongestionThreshold:  50,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			OpenTimeout:      time.Hour,
			HalfOpenProbes:   1,
		},
		Fetch: FetchConfig{
			HardTimeout:     15 * time.Second,
			InterRequestMin: time.Second,
			InterRequestMax: 5 * time.Second,
			CacheTTL:        30 * time.Second,
			RespectRobots:   true,
		},
		Patrol: PatrolConfig{
			CycleInterval: 60 * time.Second,
		},
		Store: StoreConfig{
			MinFreeSpaceMB: 100,
			MaxBackups:     5,
		},
		API: APIConfig{
			Addr: ":9090",
		},
	}
}

// Load loads configuration using the Defaults -> File -> Env precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("", ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if cfg.Port != 0 {
		cfg.API.Addr = fmt.Sprintf(":%d", cfg.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	return cfg, nil
}

// Validate enforces the one hard startup requirement named in
// SPEC_FULL.md §6: a Telegram bearer token must be present.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envMappings = map[string]string{
	"telegram_token": "telegram_token",
	"admin_id":        "admin_id",
	"port":            "port",
	"data_dir":        "data_dir",
	"log_level":       "log_level",
	"log_format":      "log_format",

	"governor_fetch_rps":              "governor.fetch_rps",
	"governor_fetch_burst":            "governor.fetch_burst",
	"governor_notification_drain_rps": "governor.notification_drain_rps",
	"governor_notification_capacity":  "governor.notification_capacity",
	"governor_congestion_threshold":   "governor.congestion_threshold",

	"breaker_failure_threshold": "breaker.failure_threshold",
	"breaker_open_timeout":      "breaker.open_timeout",
	"breaker_half_open_probes":  "breaker.half_open_probes",

	"fetch_hard_timeout":      "fetch.hard_timeout",
	"fetch_inter_request_min": "fetch.inter_request_min",
	"fetch_inter_request_max": "fetch.inter_request_max",
	"fetch_cache_ttl":         "fetch.cache_ttl",
	"fetch_respect_robots":    "fetch.respect_robots",

	"patrol_cycle_interval": "patrol.cycle_interval",

	"store_min_free_space_mb": "store.min_free_space_mb",
	"store_max_backups":       "store.max_backups",

	"api_addr": "api.addr",

	"notify_webhook_url": "notify.webhook_url",
}

// envTransform maps flat SCREAMING_SNAKE_CASE environment variable names
// onto koanf's dotted config paths, following the teacher's
// envTransformFunc convention: unmapped keys are dropped rather than
// polluting the tree.
func envTransform(key string) string {
	lower := toLower(key)
	if mapped, ok := envMappings[lower]; ok {
		return mapped
	}
	return ""
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
