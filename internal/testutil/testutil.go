// Package testutil holds helpers shared by package tests: an slog
// capture logger and a polling wait.
package testutil

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// TestLogger captures structured log output for assertions.
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a *slog.Logger whose output is captured.
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{sink: l})
}

// Entries returns a copy of everything logged so far.
func (l *TestLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByLevel returns captured entries at the given level ("INFO", "ERROR", ...).
func (l *TestLogger) ByLevel(level string) []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether any entry carries the given message.
func (l *TestLogger) Has(message string) bool {
	for _, e := range l.Entries() {
		if e.Message == message {
			return true
		}
	}
	return false
}

func (l *TestLogger) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// captureHandler implements slog.Handler on top of a TestLogger.
type captureHandler struct {
	sink  *TestLogger
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	h.sink.append(LogEntry{Level: r.Level.String(), Message: r.Message, Fields: fields})
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{sink: h.sink, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

// WaitFor polls condition until it holds or the timeout elapses.
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msg string) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %s", msg)
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestingT is the minimal testing interface WaitFor needs.
type TestingT interface {
	Errorf(format string, args ...any)
}
