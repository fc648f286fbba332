// Package xlog wraps log/slog with a nil-safe, allocation-conscious
// logging pattern: every component holds a *Logger that may be nil,
// checks Enabled before building attrs, and has a below-Debug LevelTrace
// for segment-level tracing that stays off by default.
package xlog

import (
	"context"
	"log/slog"
)

// LevelTrace is one notch below slog.LevelDebug, used for per-segment
// send/receive tracing that is too noisy to enable alongside ordinary
// debug logging.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Logger wraps a *slog.Logger; its zero value and nil pointer are both
// safe to call methods on (they discard all output).
type Logger struct {
	log *slog.Logger
}

// New wraps log. Passing a nil log is valid and yields a Logger that
// discards everything.
func New(log *slog.Logger) *Logger { return &Logger{log: log} }

// Enabled reports whether a log record at lvl would be emitted.
func (l *Logger) Enabled(lvl slog.Level) bool {
	return l != nil && l.log != nil && l.log.Handler().Enabled(context.Background(), lvl)
}

func (l *Logger) logAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l == nil || l.log == nil || !l.Enabled(lvl) {
		return
	}
	l.log.LogAttrs(context.Background(), lvl, msg, attrs...)
}

// Trace logs at LevelTrace.
func (l *Logger) Trace(msg string, attrs ...slog.Attr) { l.logAttrs(LevelTrace, msg, attrs...) }

// Debug logs at slog.LevelDebug.
func (l *Logger) Debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs...) }

// Info logs at slog.LevelInfo.
func (l *Logger) Info(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelInfo, msg, attrs...) }

// Warn logs at slog.LevelWarn.
func (l *Logger) Warn(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelWarn, msg, attrs...) }

// Error logs at slog.LevelError.
func (l *Logger) Error(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs...) }

// SlogAddr4 returns a slog.Attr for an IPv4 address packed into a uint64,
// avoiding a netip.Addr/string allocation on the hot path.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	v := uint64(addr[0])<<24 | uint64(addr[1])<<16 | uint64(addr[2])<<8 | uint64(addr[3])
	return slog.Uint64(key, v)
}

// SlogAddr6 returns a slog.Attr for an IPv6 address's low 64 bits packed
// into a uint64, for compact, allocation-free logging of the common case
// where the high bits are a fixed prefix already present in the logger's
// base attrs.
func SlogAddr6(key string, addr *[16]byte) slog.Attr {
	var v uint64
	for _, b := range addr[8:] {
		v = v<<8 | uint64(b)
	}
	return slog.Uint64(key, v)
}
