// Package logging provides structured logging for udp-obfuscat.
package logging

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Accepted values for the logging section of the configuration.
var (
	Levels  = []string{"debug", "info", "warn", "error"}
	Formats = []string{"text", "json"}
)

// NewLogger creates a stderr logger with the given level and format.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w. An unknown format
// falls back to text.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel converts a level name to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is one of Levels.
func ValidLevel(level string) bool {
	return slices.Contains(Levels, level)
}

// ValidFormat reports whether format is one of Formats.
func ValidFormat(format string) bool {
	return slices.Contains(Formats, format)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// FlowAttrs returns the attributes identifying a flow in log records.
func FlowAttrs(id string, listener int, client string) []any {
	return []any{
		slog.String(KeyFlowID, id),
		slog.Int(KeyListener, listener),
		slog.String(KeyClient, client),
	}
}

// Attribute keys shared by every component.
const (
	KeyComponent  = "component"
	KeyError      = "error"
	KeyFlowID     = "flow_id"
	KeyListener   = "listener"
	KeyClient     = "client"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyReason     = "reason"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyBytes      = "bytes"
	KeySize       = "size"
)
