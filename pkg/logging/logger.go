// Package logging configures zerolog for the extraction pipeline.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
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

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File, if set, receives a JSON copy of every log line. It is truncated
	// on Setup so each run starts a fresh log.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. The returned close function
// flushes and closes the log file, if any.
func Setup(cfg Config) (zerolog.Logger, func() error, error) {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	closeFn := func() error { return nil }
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return zerolog.Nop(), closeFn, err
		}
		output = zerolog.MultiLevelWriter(output, f)
		closeFn = func() error {
			if err := f.Sync(); err != nil {
				f.Close()
				return fmt.Errorf("sync log file: %w", err)
			}
			return f.Close()
		}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger, closeFn, nil
}

// openLogFile creates path and its parent directory, truncating old content.
func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level names a supported log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Conditional requests and revalidation
//   - Retry scheduling (backoff per attempt)
//   - Payload writes
//
// Info: Normal operation events
//   - Successful attempts and saved payloads
//   - Skipped requests (output already present)
//   - Batch start, progress and summary
//
// Warn: Warning conditions that don't prevent operation
//   - Failed attempts that will be retried
//   - Retry-After hints from the server
//   - Cache errors (fallback to direct request)
//   - Batch cancellation
//
// Error: Error conditions requiring attention
//   - Requests that ended without a payload
//   - Payloads that could not be written
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (gfn-client, scheduler, sink, cache)
//   - id: request identifier (also the output file name)
//   - endpoint: API path
//   - attempt / max_attempts: retry position
//   - outcome: success, transient or permanent
//   - status: HTTP status code (0 when no response)
//   - error_class: client, server, rate_limit, network, timeout, decode
//   - latency: duration of one attempt
//   - backoff: delay before the next attempt
