package testutil

import (
	"context"
	"sync"

	"github.com/nimburion/shedlock/pkg/observability/logger"
)

// MockLogger is a test logger that captures log entries for assertion in tests.
// It is safe for concurrent use.
type MockLogger struct {
	mu     sync.Mutex
	logs   []LogEntry
	fields []any
}

// LogEntry represents a single log entry captured by MockLogger.
type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]interface{}
}

// Debug records a debug-level log entry for testing assertions.
func (m *MockLogger) Debug(msg string, args ...any) { m.record("debug", msg, args) }

// Info records an info-level log entry for testing assertions.
func (m *MockLogger) Info(msg string, args ...any) { m.record("info", msg, args) }

// Warn records a warn-level log entry for testing assertions.
func (m *MockLogger) Warn(msg string, args ...any) { m.record("warn", msg, args) }

// Error records an error-level log entry for testing assertions.
func (m *MockLogger) Error(msg string, args ...any) { m.record("error", msg, args) }

// With returns a child logger sharing the same entry buffer.
func (m *MockLogger) With(args ...any) logger.Logger {
	return &childLogger{root: m, fields: append([]any(nil), args...)}
}

// WithContext returns a child logger carrying the context fields.
func (m *MockLogger) WithContext(ctx context.Context) logger.Logger {
	return m.With(logger.FieldsFromContext(ctx)...)
}

// Entries returns a copy of the captured entries.
func (m *MockLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.logs...)
}

// EntriesAt returns the captured entries of one level.
func (m *MockLogger) EntriesAt(level string) []LogEntry {
	var out []LogEntry
	for _, entry := range m.Entries() {
		if entry.Level == level {
			out = append(out, entry)
		}
	}
	return out
}

func (m *MockLogger) record(level, msg string, args []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, LogEntry{Level: level, Msg: msg, Fields: argsToMap(args)})
}

type childLogger struct {
	root   *MockLogger
	fields []any
}

func (c *childLogger) Debug(msg string, args ...any) { c.root.record("debug", msg, c.merge(args)) }
func (c *childLogger) Info(msg string, args ...any)  { c.root.record("info", msg, c.merge(args)) }
func (c *childLogger) Warn(msg string, args ...any)  { c.root.record("warn", msg, c.merge(args)) }
func (c *childLogger) Error(msg string, args ...any) { c.root.record("error", msg, c.merge(args)) }

func (c *childLogger) With(args ...any) logger.Logger {
	return &childLogger{root: c.root, fields: c.merge(args)}
}

func (c *childLogger) WithContext(ctx context.Context) logger.Logger {
	return c.With(logger.FieldsFromContext(ctx)...)
}

func (c *childLogger) merge(args []any) []any {
	merged := make([]any, 0, len(c.fields)+len(args))
	merged = append(merged, c.fields...)
	return append(merged, args...)
}

func argsToMap(args []any) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
