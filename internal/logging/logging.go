// Package logging wraps zerolog with the component-scoped child-logger
// convention used across the engine: one global configured logger, and a
// WithComponent call per subsystem (wal, snapshot, engine, server, ...) so
// every log line carries where it came from.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init replaces it; packages should
// derive from it via WithComponent rather than holding their own copy of
// Config.
var Logger zerolog.Logger

// Level is the subset of zerolog levels exposed through configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init's behavior.
type Config struct {
	Output     io.Writer
	Level      Level
	JSONOutput bool
}

// Init sets up the global Logger. Called once from cmd/server's entrypoint
// before anything else starts logging.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every line with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShard further tags a component logger with a shard id, used by
// internal/engine and internal/shardrouter where most log lines are
// per-shard.
func WithShard(logger zerolog.Logger, shardID int) zerolog.Logger {
	return logger.With().Int("shard_id", shardID).Logger()
}

func init() {
	// Sensible default so packages that log before cmd/server calls Init
	// (e.g. in tests) don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}
