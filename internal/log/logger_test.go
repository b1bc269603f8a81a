package log

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/divert/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "trace", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "divert.log")

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     logPath,
				Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1},
			},
		},
	}
	prev := slog.Default()
	defer slog.SetDefault(prev)

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	slog.Info("handle opened", "handle", "worker-0")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not written: %v", err)
	}
	if !strings.Contains(string(data), `"handle":"worker-0"`) {
		t.Errorf("Log file missing record: %s", data)
	}
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}, "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestFormats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"json", []string{`"msg":"packet sent"`, `"handle":"h1"`, `"len":60`}},
		{"text", []string{"msg=\"packet sent\"", "handle=h1", "len=60"}},
		{"pattern", []string{"[info] packet sent", "handle=h1,len=60"}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			h, err := NewHandler(config.LogConfig{Level: "info", Format: tt.format}, &buf)
			if err != nil {
				t.Fatalf("NewHandler failed: %v", err)
			}
			logger := slog.New(h)
			logger.Debug("filtered")
			logger.Info("packet sent", "len", 60, "handle", "h1")

			out := buf.String()
			if strings.Contains(out, "filtered") {
				t.Error("Debug record should be filtered out")
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("Output %q missing %q", out, w)
				}
			}
		})
	}
}

func TestPatternHandler(t *testing.T) {
	var buf bytes.Buffer
	h := newPatternHandler(&buf, slog.LevelDebug, "%level|%caller|%func|%msg|%field%n", "15:04:05")
	logger := slog.New(h).With("handle", "w0").WithGroup("driver")

	logger.Warn("call failed", "op", "recv", "error", errors.New("boom"), slog.Group("addr", "if", 3))

	line := buf.String()
	parts := strings.Split(strings.TrimSuffix(line, "\n"), "|")
	if len(parts) != 5 {
		t.Fatalf("Unexpected line %q", line)
	}
	if parts[0] != "warning" {
		t.Errorf("Expected level warning, got %q", parts[0])
	}
	if !strings.HasPrefix(parts[1], "log/logger_test.go:") {
		t.Errorf("Expected caller in logger_test.go, got %q", parts[1])
	}
	if parts[2] != "TestPatternHandler" {
		t.Errorf("Expected func TestPatternHandler, got %q", parts[2])
	}
	if parts[3] != "call failed" {
		t.Errorf("Expected message, got %q", parts[3])
	}
	want := "driver.addr.if=3,driver.error=boom,driver.op=recv,handle=w0"
	if parts[4] != want {
		t.Errorf("Expected fields %q, got %q", want, parts[4])
	}
}

func TestPatternAddsNewline(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newPatternHandler(&buf, slog.LevelInfo, "%msg", "15:04"))
	logger.Info("a")
	logger.Info("b")
	if buf.String() != "a\nb\n" {
		t.Errorf("Expected one line per record, got %q", buf.String())
	}
}
