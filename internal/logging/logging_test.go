package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"fatal", slog.LevelError},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupWritesConsoleAndFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var console bytes.Buffer
	dir := t.TempDir()
	logger, path, err := Setup(&console, "debug", dir)
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if filepath.Dir(path) != dir || !strings.HasPrefix(filepath.Base(path), "rifxsave_") {
		t.Errorf("log file path = %q", path)
	}

	logger.Debug("planned archive layout", "entries", 3)

	if !strings.Contains(console.String(), "planned archive layout") {
		t.Errorf("console output = %q", console.String())
	}
	if strings.Contains(console.String(), "\x1b[") {
		t.Error("console output is coloured although it is not a terminal")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log file is not JSON: %v (%q)", err, data)
	}
	if record["msg"] != "planned archive layout" || record["entries"] != float64(3) {
		t.Errorf("log record = %v", record)
	}
}

func TestSetupConsoleOnly(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var console bytes.Buffer
	logger, path, err := Setup(&console, "warn", "")
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want none", path)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if out := console.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("console output = %q", out)
	}
}
