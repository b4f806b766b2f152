package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("component", "anim")).Debug(context.Background(), "tick",
		Int("active", 3), Float("progress", 0.5), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "tick" || rec["component"] != "anim" || rec["error"] != "boom" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["active"] != float64(3) || rec["progress"] != 0.5 {
		t.Fatalf("numeric fields lost: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("level filter output = %q", out)
	}
}

func TestRequestIDAttached(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf})

	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRequestID returned empty id")
	}
	if again, same := EnsureRequestID(ctx); same != id || again != ctx {
		t.Fatalf("EnsureRequestID replaced an existing id")
	}
	log.Info(ctx, "call")
	if !strings.Contains(buf.String(), id) {
		t.Fatalf("log line %q missing request id %q", buf.String(), id)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	cfg := ConfigFromEnv(Config{Level: "info"})
	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Fatalf("ConfigFromEnv = %+v", cfg)
	}
}

func TestOrNoop(t *testing.T) {
	if OrNoop(nil) == nil {
		t.Fatalf("OrNoop(nil) returned nil")
	}
	Noop().With(String("k", "v")).Error(context.Background(), "dropped")
}
