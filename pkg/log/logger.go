// Package log provides structured logging utilities for the coin abstraction core.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

type ctxKey string

// RequestIDKey is the context key carrying a request or job correlation id.
const RequestIDKey ctxKey = "request_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Packages use it when no logger is injected.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.WithFields("request_id", reqID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithCoin returns a logger tagged with a daemon port and its coin symbol.
// The primary coin has an empty symbol and is logged as "primary".
func (l *Logger) WithCoin(port int, symbol string) *Logger {
	if symbol == "" {
		symbol = "primary"
	}
	return l.WithFields("port", port, "coin", symbol)
}

// WithVerifier returns a logger tagged with a remote verifier address
func (l *Logger) WithVerifier(addr string) *Logger {
	return l.WithFields("verifier", addr)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation in a human readable form
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/1e6,
		"duration", durafmt.Parse(d).LimitFirstN(2).String(),
	)
}

// LogTemplate logs a freshly built block template
func (l *Logger) LogTemplate(port int, height, difficulty uint64, reservedOffset int, idHash string) {
	l.Info("block template ready",
		"port", port,
		"height", height,
		"difficulty", difficulty,
		"reserved_offset", reservedOffset,
		"id_hash", idHash,
	)
}

// LogVerification logs the outcome of a remote share verification
func (l *Logger) LogVerification(verifier, algo, miner string, ok bool, elapsed time.Duration) {
	l.Debug("share verification",
		"verifier", verifier,
		"algo", algo,
		"miner", miner,
		"ok", ok,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// LogBlockFound logs when a submitted block was accepted by a daemon
func (l *Logger) LogBlockFound(port int, blockHash string, height uint64) {
	l.Info("block found",
		"port", port,
		"block_hash", blockHash,
		"block_height", height,
	)
}

// LogBacklog logs a verifier queue that has grown past its threshold
func (l *Logger) LogBacklog(verifier string, queued, inFlight int, oldest time.Duration) {
	l.Warn("verifier backlog",
		"verifier", verifier,
		"queued", queued,
		"in_flight", inFlight,
		"oldest", durafmt.Parse(oldest).LimitFirstN(2).String(),
	)
}
