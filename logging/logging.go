// Package logging is the leveled logger shared by the client packages.
//
// Library code receives a *Logger and never configures output itself. The
// default is Nop, so packages can log unconditionally. Each package tags its
// records with Component, and credential-bearing attributes are always
// written as [redacted], whatever the caller passes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level is the minimum severity a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelOff disables all output.
	LevelOff
)

var levels = []struct {
	level Level
	names []string
	slog  slog.Level
}{
	{LevelDebug, []string{"debug"}, slog.LevelDebug},
	{LevelInfo, []string{"info"}, slog.LevelInfo},
	{LevelWarn, []string{"warn", "warning"}, slog.LevelWarn},
	{LevelError, []string{"error"}, slog.LevelError},
}

// String returns the name accepted by ParseLevel.
func (l Level) String() string {
	for _, e := range levels {
		if e.level == l {
			return e.names[0]
		}
	}
	return "off"
}

// ParseLevel maps a case-insensitive level name to a Level. Unknown names
// map to LevelOff.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, e := range levels {
		for _, name := range e.names {
			if name == s {
				return e.level
			}
		}
	}
	return LevelOff
}

// Redacted replaces the value of every sensitive attribute.
const Redacted = "[redacted]"

// sensitive lists attribute keys that carry credentials.
var sensitive = map[string]bool{
	"authorization": true,
	"access_token":  true,
	"refresh_token": true,
	"id_token":      true,
	"token":         true,
	"api_key":       true,
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Value = slog.StringValue(a.Value.Time().Format("15:04:05.000"))
	case sensitive[strings.ToLower(a.Key)]:
		a.Value = slog.StringValue(Redacted)
	}
	return a
}

// Logger wraps slog with an explicit off switch.
type Logger struct {
	slog  *slog.Logger
	level Level
}

var nop = &Logger{level: LevelOff}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return nop
}

// New creates a logger writing text records to w (stderr when nil).
func New(level Level, w io.Writer) *Logger {
	if level >= LevelOff {
		return nop
	}
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       levels[level].slog,
		ReplaceAttr: replaceAttr,
	})
	return &Logger{slog: slog.New(handler), level: level}
}

// Enabled reports whether any output is produced.
func (l *Logger) Enabled() bool {
	return l != nil && l.level != LevelOff && l.slog != nil
}

func (l *Logger) log(level Level, msg string, args []any) {
	if l.Enabled() && l.level <= level {
		l.slog.Log(context.Background(), levels[level].slog, msg, args...)
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	if !l.Enabled() {
		return l
	}
	return &Logger{slog: l.slog.With(args...), level: l.level}
}

// Component tags every record with the package that wrote it.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Request times one HTTP exchange.
type Request struct {
	logger *Logger
	start  time.Time
}

// StartRequest logs the start of a request and returns a handle for its
// completion. attrs are attached to every record of the request. Bodies are
// never logged.
func (l *Logger) StartRequest(method, path string, attrs ...any) *Request {
	if !l.Enabled() {
		return &Request{logger: l}
	}
	rl := l.With(append([]any{"method", method, "path", path}, attrs...)...)
	rl.Debug("request started")
	return &Request{logger: rl, start: time.Now()}
}

// Done records the response status. Client errors log at warn and server
// errors at error.
func (r *Request) Done(status int) {
	level := LevelInfo
	switch {
	case status >= 500:
		level = LevelError
	case status >= 400:
		level = LevelWarn
	}
	r.logger.log(level, "request completed", []any{
		"status", status,
		"duration_ms", r.elapsed(),
	})
}

// Failed records a transport-level failure.
func (r *Request) Failed(err error) {
	r.logger.log(LevelError, "request failed", []any{
		"error", err.Error(),
		"duration_ms", r.elapsed(),
	})
}

func (r *Request) elapsed() int64 {
	if r.start.IsZero() {
		return 0
	}
	return time.Since(r.start).Milliseconds()
}
