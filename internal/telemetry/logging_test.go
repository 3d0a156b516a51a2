package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("connection opened", "connection_id", "user-1-abc", "session_token", "sschh-secret")
	logger.Debug("should be filtered at info level")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0]["timestamp"] == nil {
		t.Error("missing renamed timestamp key")
	}
	if lines[0]["session_token"] != "[REDACTED]" {
		t.Errorf("session_token not redacted: %v", lines[0]["session_token"])
	}
	if lines[0]["connection_id"] != "user-1-abc" {
		t.Errorf("connection_id altered: %v", lines[0]["connection_id"])
	}
}

func TestRedactStringValue(t *testing.T) {
	if v, ok := redactStringValue("Bearer abc123"); !ok || v != "[REDACTED]" {
		t.Errorf("bearer string not redacted: %q %v", v, ok)
	}
	if _, ok := redactStringValue("plain message"); ok {
		t.Error("plain string should not be redacted")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
