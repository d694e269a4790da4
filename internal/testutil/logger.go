package testutil

import (
	"context"
	"log/slog"
	"sync"
)

// LogEntry is one captured record. Level uses slog names: DEBUG, INFO, WARN, ERROR.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// TestLogger captures everything logged through Logger, at every level
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a *slog.Logger that records into l
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&captureHandler{sink: l})
}

func (l *TestLogger) record(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	var out []LogEntry
	for _, e := range l.GetEntries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first entry with message msg
func (l *TestLogger) Find(msg string) (LogEntry, bool) {
	for _, e := range l.GetEntries() {
		if e.Message == msg {
			return e, true
		}
	}
	return LogEntry{}, false
}

func (l *TestLogger) HasError() bool { return len(l.GetEntriesByLevel("ERROR")) > 0 }
func (l *TestLogger) HasWarning() bool { return len(l.GetEntriesByLevel("WARN")) > 0 }

// captureHandler flattens record and handler attributes into LogEntry.Fields.
// Group names prefix keys as "group.key".
type captureHandler struct {
	sink   *TestLogger
	attrs  []slog.Attr
	prefix string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	e := LogEntry{
		Level:   r.Level.String(),
		Message: r.Message,
		Fields:  make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, a := range h.attrs {
		e.Fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Fields[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.sink.record(e)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &captureHandler{sink: h.sink, prefix: h.prefix}
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{sink: h.sink, attrs: h.attrs, prefix: h.prefix + name + "."}
}
