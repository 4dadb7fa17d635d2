package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress non-error output
}

// Logger wraps slog.Logger. Commands, passwords and file contents are never logged.
type Logger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: convertLogLevel(config.Level)}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLogger(Config{Level: LevelError, Output: io.Discard})
}

func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Debug(msg, args...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return // Suppress non-error output in quiet mode
	}
	l.logger.Info(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// LogRequest logs one backend request
func (l *Logger) LogRequest(requestID, method, path string, status int, duration time.Duration) {
	l.Debug("backend request",
		"request_id", requestID,
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogTransportError logs a request that never produced a decodable response
func (l *Logger) LogTransportError(requestID, path string, err error) {
	l.Error("backend request failed",
		"request_id", requestID,
		"path", path,
		"error", err.Error(),
	)
}

// LogDispatch logs the start of a dispatch. The command itself is not logged.
func (l *Logger) LogDispatch(kind string, generation uint64, targetCount int) {
	l.Info("dispatch started",
		"kind", kind,
		"generation", generation,
		"target_count", targetCount,
	)
}

// LogJobAccepted logs an asynchronous job acceptance
func (l *Logger) LogJobAccepted(jobID string, generation uint64) {
	l.Info("job accepted",
		"job_id", jobID,
		"generation", generation,
	)
}

// LogPoll logs one poll of a job
func (l *Logger) LogPoll(jobID string, generation uint64, completed bool) {
	l.Debug("job polled",
		"job_id", jobID,
		"generation", generation,
		"completed", completed,
	)
}

// LogStaleResult logs a result dropped because a newer dispatch started
func (l *Logger) LogStaleResult(jobID string, generation, current uint64) {
	l.Debug("stale job result dropped",
		"job_id", jobID,
		"generation", generation,
		"current_generation", current,
	)
}

// LogDispatchComplete logs the terminal state of a dispatch
func (l *Logger) LogDispatchComplete(generation uint64, targetCount, successCount, failureCount int, duration time.Duration) {
	l.Info("dispatch completed",
		"generation", generation,
		"target_count", targetCount,
		"success_count", successCount,
		"failure_count", failureCount,
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogDispatchFailed logs a dispatch that ended without results
func (l *Logger) LogDispatchFailed(generation uint64, err error) {
	l.Error("dispatch failed",
		"generation", generation,
		"error", err.Error(),
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Info("configuration loaded",
		"source", source,
	)
}

// LogConfigError logs configuration errors
func (l *Logger) LogConfigError(source string, err error) {
	l.Error("configuration error",
		"source", source,
		"error", err.Error(),
	)
}

// LogTargetParsing logs target parsing information
func (l *Logger) LogTargetParsing(source string, count int) {
	l.Info("targets parsed",
		"source", source,
		"count", count,
	)
}

// LogTargetParsingError logs target parsing errors
func (l *Logger) LogTargetParsingError(source string, err error) {
	l.Error("target parsing failed",
		"source", source,
		"error", err.Error(),
	)
}

// NewLoggerFromConfig creates a logger from application configuration
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	var level LogLevel
	switch logLevel {
	case "debug":
		level = LevelDebug
	case "error":
		level = LevelError
	default:
		level = LevelInfo
	}

	var format LogFormat
	switch logFormat {
	case "json":
		format = FormatJSON
	default:
		format = FormatText
	}

	return NewLogger(Config{
		Level:  level,
		Format: format,
		Quiet:  quiet,
	})
}
