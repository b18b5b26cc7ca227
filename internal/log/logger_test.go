package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"alert-trader/internal/config"
)

func TestNewLogger_WritesServiceField(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")

	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{out},
	})
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log output: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"service":"alert-trader"`) || !strings.Contains(line, `"level":"info"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestNewLogger_RejectsBadInput(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := NewLogger(config.LoggingConfig{Level: "info", Encoding: "xml"}); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}
