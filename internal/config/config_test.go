package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.APIURL != DefaultAPIURL || cfg.FeedURL != DefaultFeedURL {
		t.Fatalf("endpoints = %q %q, want defaults", cfg.APIURL, cfg.FeedURL)
	}
	if cfg.Debounce != 500*time.Millisecond || cfg.ReconnectDelay != 5*time.Second || cfg.Heartbeat != 4*time.Second {
		t.Fatalf("timings = %v %v %v", cfg.Debounce, cfg.ReconnectDelay, cfg.Heartbeat)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "flumen.yaml", `
api_url: https://api.example.test/v1
feed_url: wss://api.example.test/ws/websocket
layout_path: ""
debounce: 250ms
rate_limit: 20
rate_burst: 5
logging:
  level: debug
  format: json
tracing:
  enabled: true
  exporter: otlp
  endpoint: collector:4317
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIURL != "https://api.example.test/v1" || cfg.FeedURL != "wss://api.example.test/ws/websocket" {
		t.Fatalf("endpoints = %q %q", cfg.APIURL, cfg.FeedURL)
	}
	if cfg.LayoutPath != "" {
		t.Fatalf("layout_path = %q, want disabled", cfg.LayoutPath)
	}
	if cfg.Debounce != 250*time.Millisecond || cfg.RateLimit != 20 || cfg.RateBurst != 5 {
		t.Fatalf("debounce/rate = %v %v %d", cfg.Debounce, cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
	// Unset keys keep their defaults.
	if cfg.ReconnectDelay != 5*time.Second || cfg.Tracing.ServiceName != "flumen" {
		t.Fatalf("defaults lost: reconnect %v service %q", cfg.ReconnectDelay, cfg.Tracing.ServiceName)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "flumen.yaml", "api_url: http://file.test\ndebounce: 1s\n")
	t.Setenv("FLUMEN_API_URL", "http://env.test:9000")
	t.Setenv("FLUMEN_DEBOUNCE", "750ms")
	t.Setenv("FLUMEN_LAYOUT_SCALE", "2.5")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIURL != "http://env.test:9000" || cfg.Debounce != 750*time.Millisecond || cfg.LayoutScale != 2.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging level = %q, want warn", cfg.Logging.Level)
	}
}

func TestDotEnvDoesNotReplaceEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FLUMEN_FEED_URL=ws://dotenv.test/ws\nFLUMEN_METRICS_ADDR=:7000\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("FLUMEN_METRICS_ADDR", ":8000")
	// godotenv writes through os.Setenv; register the key so it is
	// restored after the test.
	t.Setenv("FLUMEN_FEED_URL", "")
	os.Unsetenv("FLUMEN_FEED_URL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FeedURL != "ws://dotenv.test/ws" {
		t.Fatalf("feed url = %q, want value from .env", cfg.FeedURL)
	}
	if cfg.MetricsAddr != ":8000" {
		t.Fatalf("metrics addr = %q, want environment value", cfg.MetricsAddr)
	}
}

func TestInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad api scheme", map[string]string{"FLUMEN_API_URL": "ftp://x"}},
		{"bad feed scheme", map[string]string{"FLUMEN_FEED_URL": "http://x/ws"}},
		{"bad duration", map[string]string{"FLUMEN_DEBOUNCE": "soon"}},
		{"zero scale", map[string]string{"FLUMEN_LAYOUT_SCALE": "0"}},
		{"bad float", map[string]string{"FLUMEN_RATE_LIMIT": "fast"}},
		{"rate without burst", map[string]string{"FLUMEN_RATE_LIMIT": "5", "FLUMEN_RATE_BURST": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestMissingFileIsAnError(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load(missing) error = nil")
	}
}
