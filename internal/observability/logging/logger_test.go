package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"  WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewJSONLoggerInstallsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := NewJSONLogger("api", "debug")
	if logger == nil {
		t.Fatalf("logger must not be nil")
	}
	if slog.Default() == prev {
		t.Fatalf("the service logger must become the process default")
	}
}
