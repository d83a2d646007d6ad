package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestLevelParsing(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLevel(c.in); got != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLoggerHonorsConfiguredLevel(t *testing.T) {
	ctx := context.Background()

	quiet := NewLogger(Config{Environment: "prod", Level: "error"})
	if quiet.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("error-level logger accepts info records")
	}
	if !quiet.Enabled(ctx, slog.LevelError) {
		t.Fatal("error-level logger rejects error records")
	}

	verbose := NewLogger(Config{Environment: "dev", Level: "debug"})
	if !verbose.Enabled(ctx, slog.LevelDebug) {
		t.Fatal("debug-level logger rejects debug records")
	}
}
