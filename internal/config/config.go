// Package config loads the engine configuration from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is read when neither --config nor RELAYS_CONFIG name a file
const DefaultPath = "config/relays.json"

// Config holds all configuration for the engine
type Config struct {
	Relays   RelaysConfig   `mapstructure:"relays"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Store    StoreConfig    `mapstructure:"store"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Identity IdentityConfig `mapstructure:"identity"`
}

// RelaysConfig holds the relay lists
type RelaysConfig struct {
	FallbackRelays   []string `mapstructure:"fallbackRelays"`
	UserRelays       []string `mapstructure:"userRelays"`
	PublishRelays    []string `mapstructure:"publishRelays"`
	SearchRelayHosts []string `mapstructure:"searchRelayHosts"`
}

type EngineConfig struct {
	SubscriptionCeiling int           `mapstructure:"subscriptionCeiling"`
	StaleAfter          time.Duration `mapstructure:"staleAfter"`
	QueueInterval       time.Duration `mapstructure:"queueInterval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenanceInterval"`
	ParseBatchSize      int           `mapstructure:"parseBatchSize"`
	DialTimeout         time.Duration `mapstructure:"dialTimeout"`
	DialsPerSecond      float64       `mapstructure:"dialsPerSecond"`
	DialBurst           int           `mapstructure:"dialBurst"`
	SendBuffer          int           `mapstructure:"sendBuffer"`
	AllowPrivateRelays  bool          `mapstructure:"allowPrivateRelays"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redisURL"`
	Prefix   string `mapstructure:"prefix"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IdentityConfig holds the local user's key. An empty key disables AUTH.
type IdentityConfig struct {
	SecretKey string `mapstructure:"secretKey"`
}

var (
	current   *Config
	currentMu sync.RWMutex
)

// ResolvePath returns explicit if set, then RELAYS_CONFIG, then DefaultPath
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("RELAYS_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads configuration from path and NOSTR_ prefixed environment variables.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOSTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			switch {
			case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
				slog.Debug("config file not found, using defaults", "path", path)
			default:
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("relays.fallbackRelays", d.Relays.FallbackRelays)
	v.SetDefault("relays.userRelays", d.Relays.UserRelays)
	v.SetDefault("relays.publishRelays", d.Relays.PublishRelays)
	v.SetDefault("relays.searchRelayHosts", d.Relays.SearchRelayHosts)

	v.SetDefault("engine.subscriptionCeiling", d.Engine.SubscriptionCeiling)
	v.SetDefault("engine.staleAfter", d.Engine.StaleAfter)
	v.SetDefault("engine.queueInterval", d.Engine.QueueInterval)
	v.SetDefault("engine.maintenanceInterval", d.Engine.MaintenanceInterval)
	v.SetDefault("engine.parseBatchSize", d.Engine.ParseBatchSize)
	v.SetDefault("engine.dialTimeout", d.Engine.DialTimeout)
	v.SetDefault("engine.dialsPerSecond", d.Engine.DialsPerSecond)
	v.SetDefault("engine.dialBurst", d.Engine.DialBurst)
	v.SetDefault("engine.sendBuffer", d.Engine.SendBuffer)
	v.SetDefault("engine.allowPrivateRelays", d.Engine.AllowPrivateRelays)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.redisURL", d.Store.RedisURL)
	v.SetDefault("store.prefix", d.Store.Prefix)

	v.SetDefault("http.addr", d.HTTP.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("identity.secretKey", "")
}

// Defaults returns the embedded default configuration
func Defaults() Config {
	return Config{
		Relays: RelaysConfig{
			FallbackRelays: []string{
				"wss://relay.damus.io",
				"wss://relay.primal.net",
				"wss://nos.lol",
				"wss://nostr.mom",
			},
			PublishRelays: []string{
				"wss://relay.damus.io",
				"wss://relay.primal.net",
				"wss://nos.lol",
			},
			SearchRelayHosts: []string{".nostr.band"},
		},
		Engine: EngineConfig{
			SubscriptionCeiling: 25,
			StaleAfter:          10 * time.Second,
			QueueInterval:       time.Second,
			MaintenanceInterval: time.Minute,
			ParseBatchSize:      30,
			DialTimeout:         10 * time.Second,
			DialsPerSecond:      10,
			DialBurst:           10,
			SendBuffer:          256,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/events.db",
			Prefix: "nostr:",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks values the engine cannot run with
func Validate(cfg *Config) error {
	if cfg.Engine.SubscriptionCeiling <= 0 {
		return fmt.Errorf("engine.subscriptionCeiling must be positive, got %d", cfg.Engine.SubscriptionCeiling)
	}
	if cfg.Engine.ParseBatchSize <= 0 {
		return fmt.Errorf("engine.parseBatchSize must be positive, got %d", cfg.Engine.ParseBatchSize)
	}
	switch cfg.Store.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "redis" && cfg.Store.RedisURL == "" {
		return errors.New("store.redisURL is required for the redis driver")
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", cfg.Log.Format)
	}
	return nil
}

// GetRelaysConfig returns the current relay lists (thread-safe)
func GetRelaysConfig() RelaysConfig {
	currentMu.RLock()
	defer currentMu.RUnlock()
	if current == nil {
		return Defaults().Relays
	}
	return current.Relays
}

// Current returns the last loaded configuration, or nil before the first load
func Current() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

// ReloadRelaysConfig loads path and makes it the current configuration.
// On error the previous configuration stays in place.
func ReloadRelaysConfig(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	currentMu.Lock()
	current = cfg
	currentMu.Unlock()

	slog.Info("loaded relays configuration",
		"path", path,
		"fallback", len(cfg.Relays.FallbackRelays),
		"user", len(cfg.Relays.UserRelays),
		"publish", len(cfg.Relays.PublishRelays))
	return cfg, nil
}
