package logging

import (
	"log/slog"
	"testing"

	"github.com/stratoline/acm-core/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}
	log := New(cfg, "acm-runtime", "1.0.0")
	if log == nil || log.Logger == nil {
		t.Fatal("New returned nil logger")
	}

	// Must not panic with attributes of mixed types.
	log.Debug("test message", "key", "value", "count", 3)
}

func TestWith(t *testing.T) {
	log := Default("acm-test")
	child := log.With("component", "scanner")
	if child == nil || child.Logger == nil {
		t.Fatal("With returned nil logger")
	}
	if child == log {
		t.Error("With should return a new logger")
	}
}
