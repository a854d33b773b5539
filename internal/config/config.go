// Package config loads the service configuration and builds the runtime
// components it describes.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
	"github.com/isometry/ldap-identity/internal/userstore"
)

// EnvPrefix prefixes environment overrides, e.g. LDAP_IDENTITY_SCHEMA.
const EnvPrefix = "LDAP_IDENTITY"

// Store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

// Config is the top-level configuration document.
type Config struct {
	Schema        string                `mapstructure:"schema" yaml:"schema" default:"openldap" validate:"required"`
	RefreshClaims time.Duration         `mapstructure:"refresh_claims" yaml:"refresh_claims" validate:"gte=0"`
	Store         StoreConfig           `mapstructure:"store" yaml:"store"`
	Metrics       MetricsConfig         `mapstructure:"metrics" yaml:"metrics"`
	Connections   []ldap.EndpointConfig `mapstructure:"connections" yaml:"connections" validate:"required,min=1,dive"`
}

// StoreConfig selects and configures the user store backend.
type StoreConfig struct {
	Kind   string       `mapstructure:"kind" yaml:"kind" default:"memory" validate:"oneof=memory redis badger"`
	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
	Badger BadgerConfig `mapstructure:"badger" yaml:"badger"`
}

// RedisConfig configures the redis backend. URL takes precedence over the
// discrete fields.
type RedisConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Addr     string `mapstructure:"addr" yaml:"addr" default:"localhost:6379"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
}

// BadgerConfig configures the embedded badger backend.
type BadgerConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

// MetricsConfig toggles prometheus collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load reads configuration from path, applies environment overrides and
// defaults, and validates the result.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (LDAP_IDENTITY_*)
//  2. Configuration file
//  3. Default values
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path is required")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{"schema", "refresh_claims", "store.kind", "store.redis.url", "store.redis.addr", "store.redis.password", "store.redis.db", "store.badger.path", "store.badger.in_memory", "metrics.enabled"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills unset fields from their default tags.
func ApplyDefaults(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	return nil
}

// Validate checks struct constraints and the cross-field rules that tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return err
	}

	if _, err := identity.LookupSchema(cfg.Schema); err != nil {
		return err
	}

	if cfg.Store.Kind == StoreBadger && !cfg.Store.Badger.InMemory && cfg.Store.Badger.Path == "" {
		return errors.New("store.badger.path is required unless store.badger.in_memory is set")
	}

	if cfg.Store.Kind == StoreRedis && cfg.Store.Redis.URL != "" {
		if _, err := redis.ParseURL(cfg.Store.Redis.URL); err != nil {
			return fmt.Errorf("invalid store.redis.url: %w", err)
		}
	}

	return nil
}

// SchemaDefinition returns the attribute schema selected by Schema.
func (c *Config) SchemaDefinition() (*identity.Schema, error) {
	return identity.LookupSchema(c.Schema)
}

// Endpoints prepares the configured connections for the resolver.
func (c *Config) Endpoints() ([]*ldap.Endpoint, error) {
	return ldap.PrepareEndpoints(c.Connections)
}

// StoreTTL is the lifetime of cached records. The top-level refresh_claims
// wins; otherwise the shortest positive per-connection interval is used. Zero
// means records never expire.
func (c *Config) StoreTTL() time.Duration {
	if c.RefreshClaims > 0 {
		return c.RefreshClaims
	}
	var ttl time.Duration
	for _, conn := range c.Connections {
		if conn.RefreshClaims > 0 && (ttl == 0 || conn.RefreshClaims < ttl) {
			ttl = conn.RefreshClaims
		}
	}
	return ttl
}

// RedisOptions builds go-redis client options.
func (c *Config) RedisOptions() (*redis.Options, error) {
	rc := c.Store.Redis
	if rc.URL != "" {
		return redis.ParseURL(rc.URL)
	}
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}, nil
}

// OpenBackend constructs the configured user store backend.
func (c *Config) OpenBackend(ctx context.Context) (userstore.Backend, error) {
	switch c.Store.Kind {
	case StoreMemory, "":
		return userstore.NewMemoryBackend(), nil
	case StoreRedis:
		opts, err := c.RedisOptions()
		if err != nil {
			return nil, fmt.Errorf("invalid redis configuration: %w", err)
		}
		return userstore.NewRedisBackend(redis.NewClient(opts), c.StoreTTL()), nil
	case StoreBadger:
		backend, err := userstore.OpenBadgerBackend(ctx, userstore.BadgerOptions{
			Path:     c.Store.Badger.Path,
			InMemory: c.Store.Badger.InMemory,
			TTL:      c.StoreTTL(),
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
}
