// Package log wraps zerolog with Datify's conventional fields.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init reconfigures it; components
// should derive child loggers from it via the With* helpers rather than
// calling zerolog directly.
var Logger zerolog.Logger

// Level is a logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init reconfigures the package logger from cfg. Called once at daemon
// startup after config has been loaded.
func Init(cfg Config) {
	switch cfg.Level {
	case LevelDebug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LevelWarn:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LevelError:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name, e.g.
// "lifecycle", "containerdriver", "streamhub".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDatabase returns a child logger tagged with a database instance ID.
func WithDatabase(databaseID string) zerolog.Logger {
	return Logger.With().Str("database_id", databaseID).Logger()
}

// WithRequest returns a child logger tagged with an HTTP request ID.
func WithRequest(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }
