package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	log, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: zapcore.AddSync(buf)})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	return log, buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewZapLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "json format with debug level", config: Config{Level: DebugLevel, Format: JSONFormat}},
		{name: "text format with info level", config: Config{Level: InfoLevel, Format: TextFormat}},
		{name: "default to info level for invalid level", config: Config{Level: "invalid", Format: JSONFormat}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewZapLogger(tt.config)
			if err != nil {
				t.Fatalf("NewZapLogger() error = %v", err)
			}
			if log == nil {
				t.Fatal("NewZapLogger() returned nil logger")
			}
			_ = log.Sync()
		})
	}
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	log, buf := newBufferedLogger(t, WarnLevel)
	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message", "lock", "report")
	log.Error("error message")

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries above warn, got %d", len(entries))
	}
	if entries[0]["message"] != "warn message" || entries[0]["lock"] != "report" {
		t.Fatalf("unexpected warn entry: %v", entries[0])
	}
	if entries[1]["level"] != "error" {
		t.Fatalf("expected error level, got %v", entries[1]["level"])
	}
}

func TestZapLogger_WithContextAddsContextFields(t *testing.T) {
	log, buf := newBufferedLogger(t, InfoLevel)

	ctx := ContextWithFields(context.Background(), "lock", "nightly-report")
	ctx = ContextWithFields(ctx, "holder", "node-a")
	log.WithContext(ctx).Info("task started")
	log.WithContext(context.Background()).Info("plain")

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["lock"] != "nightly-report" || entries[0]["holder"] != "node-a" {
		t.Fatalf("expected context fields in entry, got %v", entries[0])
	}
	if _, ok := entries[1]["lock"]; ok {
		t.Fatalf("did not expect lock field without context fields: %v", entries[1])
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, " error ": ErrorLevel}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseLogFormat(t *testing.T) {
	if got, err := ParseLogFormat("console"); err != nil || got != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %v, %v", got, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNopLogger(t *testing.T) {
	log := Nop()
	log.With("k", "v").WithContext(context.Background()).Error("discarded")
}
