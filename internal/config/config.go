// Package config loads engine settings from a YAML file, a .env file and
// FLUMEN_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/SimoneErba/Flumen/internal/logging"
	"github.com/SimoneErba/Flumen/internal/observability"
	"github.com/SimoneErba/Flumen/internal/remote"
	"github.com/SimoneErba/Flumen/timectrl"
)

// Defaults for a backend running on the local machine.
const (
	DefaultAPIURL      = "http://localhost:8080"
	DefaultFeedURL     = "ws://localhost:8080/ws/websocket"
	DefaultLayoutPath  = "flumen-layout.db"
	DefaultMetricsAddr = ":9090"
)

// ErrInvalidConfig reports a setting that cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full engine configuration.
type Config struct {
	APIURL      string  `yaml:"api_url"`
	FeedURL     string  `yaml:"feed_url"`
	LayoutPath  string  `yaml:"layout_path"` // empty disables layout persistence
	LayoutScale float64 `yaml:"layout_scale"`
	MetricsAddr string  `yaml:"metrics_addr"`

	FrameInterval  time.Duration `yaml:"frame_interval"`
	Debounce       time.Duration `yaml:"debounce"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Heartbeat      time.Duration `yaml:"heartbeat"`

	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst int     `yaml:"rate_burst"`

	Logging logging.Config              `yaml:"logging"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIURL:         DefaultAPIURL,
		FeedURL:        DefaultFeedURL,
		LayoutPath:     DefaultLayoutPath,
		LayoutScale:    1,
		MetricsAddr:    DefaultMetricsAddr,
		FrameInterval:  timectrl.DefaultFrameInterval,
		Debounce:       remote.DefaultDebounce,
		ReconnectDelay: remote.DefaultReconnectDelay,
		Heartbeat:      remote.DefaultHeartbeat,
		RateBurst:      1,
		Logging:        logging.Config{Level: "info", Format: "text"},
		Tracing:        observability.DefaultTracingConfig(),
	}
}

// Load builds a configuration. The file at path is read over the defaults
// when path is not empty, then environment overrides are applied. A .env
// file in the working directory is loaded into the environment first if
// one exists; variables already set are not replaced.
func Load(path string) (Config, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg, err := cfg.FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files, or ./.env when none are named.
// Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv overlays FLUMEN_* variables, LOG_LEVEL and LOG_FORMAT, and the
// tracing variables onto c.
func (c Config) FromEnv() (Config, error) {
	str := map[string]*string{
		"FLUMEN_API_URL":      &c.APIURL,
		"FLUMEN_FEED_URL":     &c.FeedURL,
		"FLUMEN_LAYOUT_PATH":  &c.LayoutPath,
		"FLUMEN_METRICS_ADDR": &c.MetricsAddr,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"FLUMEN_FRAME_INTERVAL":  &c.FrameInterval,
		"FLUMEN_DEBOUNCE":        &c.Debounce,
		"FLUMEN_RECONNECT_DELAY": &c.ReconnectDelay,
		"FLUMEN_HEARTBEAT":       &c.Heartbeat,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
		}
		*dst = d
	}

	floats := map[string]*float64{
		"FLUMEN_LAYOUT_SCALE": &c.LayoutScale,
		"FLUMEN_RATE_LIMIT":   &c.RateLimit,
	}
	for key, dst := range floats {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err)
		}
		*dst = f
	}
	if v := os.Getenv("FLUMEN_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: FLUMEN_RATE_BURST=%q: %v", ErrInvalidConfig, v, err)
		}
		c.RateBurst = n
	}

	c.Logging = logging.ConfigFromEnv(c.Logging)
	c.Tracing = observability.TracingConfigFromEnv(c.Tracing)
	return c, nil
}

// Validate checks that the endpoints parse and the numeric settings are
// usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_url %q must be an http(s) URL", ErrInvalidConfig, c.APIURL)
	}
	if c.FeedURL != "" {
		u, err := url.Parse(c.FeedURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("%w: feed_url %q must be a ws(s) URL", ErrInvalidConfig, c.FeedURL)
		}
	}
	if c.LayoutScale <= 0 {
		return fmt.Errorf("%w: layout_scale must be > 0, got %v", ErrInvalidConfig, c.LayoutScale)
	}
	if c.FrameInterval <= 0 || c.Debounce <= 0 || c.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: frame_interval, debounce and reconnect_delay must be > 0", ErrInvalidConfig)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must be >= 0, got %v", ErrInvalidConfig, c.Heartbeat)
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return fmt.Errorf("%w: rate_limit %v with burst %d", ErrInvalidConfig, c.RateLimit, c.RateBurst)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio must be within [0,1]", ErrInvalidConfig)
	}
	return nil
}
