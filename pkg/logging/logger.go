// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Default rotation settings for file output.
const (
	DefaultFileMaxSizeMB  = 100
	DefaultFileMaxBackups = 5
	DefaultFileMaxAgeDays = 14
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	// Ignored when File.Path is set.
	Output io.Writer

	// File enables rotated file output.
	File FileConfig
}

// FileConfig configures rotated log files.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
		File: FileConfig{
			MaxSizeMB:  DefaultFileMaxSizeMB,
			MaxBackups: DefaultFileMaxBackups,
			MaxAgeDays: DefaultFileMaxAgeDays,
		},
	}
}

// Setup installs the global zerolog logger described by cfg and returns it.
// Pretty output to a file is written without ANSI colours.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	w := makeWriter(cfg)
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.File.Path != ""}
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger
}

// makeWriter picks the sink: a rotating file, then cfg.Output, then stderr.
func makeWriter(cfg Config) io.Writer {
	switch {
	case cfg.File.Path != "":
		return &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    orDefault(cfg.File.MaxSizeMB, DefaultFileMaxSizeMB),
			MaxBackups: orDefault(cfg.File.MaxBackups, DefaultFileMaxBackups),
			MaxAge:     orDefault(cfg.File.MaxAgeDays, DefaultFileMaxAgeDays),
			Compress:   cfg.File.Compress,
		}
	case cfg.Output != nil:
		return cfg.Output
	default:
		return os.Stderr
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseLevel accepts any zerolog level name plus "warning". Unknown or empty
// names fall back to info.
func parseLevel(level LogLevel) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Levels used across the module:
//
//	debug  per-request flow: cache hit/miss, conditional requests, batch
//	       admission, proxy access lines
//	info   batch completion, startup and shutdown
//	warn   platform cooldowns, failed requests, FailFast aborts, cache
//	       errors that fall back to a direct request
//	error  setup failures and lost readiness
//
// Common fields: component, url, batch_id, status_code, error_class, etag,
// request_id.
