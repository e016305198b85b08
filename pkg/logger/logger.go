// Package logger provides the zerolog-based structured logger shared by every component.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger wraps zerolog.Logger with coverage-specific field helpers
type Logger struct {
	zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string
	Format     string // "console" or "json"
	TimeFormat string
	Output     string // "stdout" (default) or "stderr"

	// Writer overrides Output when set
	Writer io.Writer
}

// New creates a logger from cfg. Unknown levels fall back to info.
func New(cfg Config) *Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = timeFormat

	out := cfg.Writer
	if out == nil {
		out = os.Stdout
		if cfg.Output == "stderr" {
			out = os.Stderr
		}
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}
	}

	return &Logger{
		Logger: zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger(),
	}
}

// NewProduction creates a JSON logger at info level
func NewProduction() *Logger {
	return New(Config{Level: "info", Format: "json"})
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// WithComponent tags entries with the emitting component
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithRequestID tags entries with the HTTP request id
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.with("request_id", requestID)
}

// WithDetectionID tags entries with the analyzed detection
func (l *Logger) WithDetectionID(detectionID string) *Logger {
	return l.with("detection_id", detectionID)
}

// WithLibraryID tags entries with the analyzed library
func (l *Logger) WithLibraryID(libraryID string) *Logger {
	return l.with("library_id", libraryID)
}

func parseLevel(level string) zerolog.Level {
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
