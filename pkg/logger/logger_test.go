package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ghuser/commandbus/pkg/config"
)

// TestNew verifies the logger constructs with a usable slog backend and With
// keeps returning the project interface.
func TestNew(t *testing.T) {
	log := New(&config.Config{LogLevel: "info"})
	if log.ToSlog() == nil {
		t.Fatal("ToSlog returned nil")
	}

	child := log.With("component", "test")
	if child == nil || child.ToSlog() == nil {
		t.Fatal("With returned an unusable logger")
	}
	// Must not panic.
	child.Info("message", "key", "value")
}

// TestParseLevel verifies the level mapping, including the info fallback for
// unknown values.
func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLevel(c.in); got != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

// TestLevelFiltering verifies a logger at error level suppresses info
// records.
func TestLevelFiltering(t *testing.T) {
	log := New(&config.Config{LogLevel: "error"})
	ctx := context.Background()
	if log.ToSlog().Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled at error level")
	}
	if !log.ToSlog().Enabled(ctx, slog.LevelError) {
		t.Error("error disabled at error level")
	}
}
