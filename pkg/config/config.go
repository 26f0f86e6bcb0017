// Package config loads service configuration from an optional YAML file and
// WIKIDOT_* environment variables.
//
// Environment variables map onto keys with "." replaced by "_", for example
// WIKIDOT_CLIENT_MAX_CONCURRENCY sets client.max_concurrency.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Sternrassler/wikidot-client/pkg/client"
	"github.com/Sternrassler/wikidot-client/pkg/logging"
	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "WIKIDOT"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     ByteSize      `mapstructure:"max_body_size"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`

	// RateLimit is the number of inbound requests per second allowed per
	// remote address. Zero disables inbound limiting.
	RateLimit int `mapstructure:"rate_limit"`
	RateBurst int `mapstructure:"rate_burst"`

	// AllowedHosts lists extra host patterns ("*.wikidot.com") that absolute
	// proxy URLs may target. The client.base_url host is always allowed.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// RedisConfig configures the response cache backend. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// ConnectTimeout bounds how long startup waits for Redis to answer.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ClientConfig mirrors client.Config without the Redis handle.
type ClientConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	BaseURL        string        `mapstructure:"base_url"`
	RateLimit      int           `mapstructure:"rate_limit"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Pretty bool          `mapstructure:"pretty"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures rotated log files.
type LogFileConfig struct {
	Path       string   `mapstructure:"path"`
	MaxSize    ByteSize `mapstructure:"max_size"`
	MaxBackups int      `mapstructure:"max_backups"`
	MaxAgeDays int      `mapstructure:"max_age_days"`
	Compress   bool     `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	clientDefaults := client.DefaultConfig(nil, "wikidot-client/0.1.0")
	logDefaults := logging.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_size", "1MB")
	v.SetDefault("server.max_batch_size", 500)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.allowed_hosts", []string{})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_timeout", 15*time.Second)

	v.SetDefault("client.user_agent", clientDefaults.UserAgent)
	v.SetDefault("client.base_url", clientDefaults.BaseURL)
	v.SetDefault("client.rate_limit", clientDefaults.RateLimit)
	v.SetDefault("client.max_concurrency", clientDefaults.MaxConcurrency)
	v.SetDefault("client.timeout", clientDefaults.Timeout)
	v.SetDefault("client.cache_ttl", clientDefaults.CacheTTL)

	v.SetDefault("log.level", string(logDefaults.Level))
	v.SetDefault("log.pretty", logDefaults.Pretty)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size", ByteSize(logDefaults.File.MaxSizeMB)*megabyte)
	v.SetDefault("log.file.max_backups", logDefaults.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", logDefaults.File.MaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the YAML file at path, if any, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadFromReader is Load for configuration held in memory.
func LoadFromReader(r io.Reader) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	case c.Client.UserAgent == "":
		return fmt.Errorf("%w: client.user_agent is required", ErrInvalidConfig)
	case c.Client.MaxConcurrency <= 0:
		return fmt.Errorf("%w: client.max_concurrency must be > 0 (got %d)", ErrInvalidConfig, c.Client.MaxConcurrency)
	case c.Client.RateLimit < 0:
		return fmt.Errorf("%w: client.rate_limit must not be negative (got %d)", ErrInvalidConfig, c.Client.RateLimit)
	case c.Client.Timeout <= 0:
		return fmt.Errorf("%w: client.timeout must be > 0 (got %s)", ErrInvalidConfig, c.Client.Timeout)
	case c.Redis.DB < 0:
		return fmt.Errorf("%w: redis.db must not be negative (got %d)", ErrInvalidConfig, c.Redis.DB)
	case c.Server.MaxBodySize == 0:
		return fmt.Errorf("%w: server.max_body_size must be > 0", ErrInvalidConfig)
	case c.Server.MaxBatchSize <= 0:
		return fmt.Errorf("%w: server.max_batch_size must be > 0 (got %d)", ErrInvalidConfig, c.Server.MaxBatchSize)
	case c.Server.RateLimit < 0:
		return fmt.Errorf("%w: server.rate_limit must not be negative (got %d)", ErrInvalidConfig, c.Server.RateLimit)
	case c.Server.RateLimit > 0 && c.Server.RateBurst <= 0:
		return fmt.Errorf("%w: server.rate_burst must be > 0 when rate limiting (got %d)", ErrInvalidConfig, c.Server.RateBurst)
	case c.Log.File.Path != "" && c.Log.File.MaxSize < megabyte:
		return fmt.Errorf("%w: log.file.max_size must be at least 1MB (got %s)", ErrInvalidConfig, c.Log.File.MaxSize)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// CacheEnabled reports whether a Redis address is configured.
func (c *Config) CacheEnabled() bool {
	return c.Redis.Addr != ""
}

// RedisOptions returns the options for the cache connection.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// ClientConfig builds the client configuration. rdb may be nil.
func (c *Config) ClientConfig(rdb *redis.Client) client.Config {
	return client.Config{
		Redis:          rdb,
		UserAgent:      c.Client.UserAgent,
		BaseURL:        c.Client.BaseURL,
		RateLimit:      c.Client.RateLimit,
		MaxConcurrency: c.Client.MaxConcurrency,
		Timeout:        c.Client.Timeout,
		CacheTTL:       c.Client.CacheTTL,
	}
}

// LoggingConfig builds the logging configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.File = logging.FileConfig{
		Path:       c.Log.File.Path,
		MaxSizeMB:  int(c.Log.File.MaxSize / megabyte),
		MaxBackups: c.Log.File.MaxBackups,
		MaxAgeDays: c.Log.File.MaxAgeDays,
		Compress:   c.Log.File.Compress,
	}
	return cfg
}
