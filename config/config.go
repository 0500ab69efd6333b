package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Browser    BrowserConfig
	Step       StepConfig
	Retry      RetryConfig
	Supervisor SupervisorConfig
	Artifact   ArtifactConfig
	Store      StoreConfig
	Schedule   ScheduleConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 10000
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// Proxy is the proxy URL used for every session (e.g. socks5://127.0.0.1:9150).
	Proxy string

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Stealth injects anti-automation-detection scripts into every page.
	Stealth bool // default: true

	// UserAgent overrides the browser user agent when set.
	UserAgent string

	// WindowWidth and WindowHeight set the page viewport.
	WindowWidth  int // default: 800
	WindowHeight int // default: 600

	// BlockedResourceTypes lists resource types to block.
	// default: ["Font", "Media"]
	BlockedResourceTypes []string

	// LayoutTTL is how long the page layout seen by a successful step is
	// remembered for structure-change detection. 0 disables it.
	LayoutTTL time.Duration // default: 24h
}

// StepConfig controls per-step execution.
type StepConfig struct {
	// DefaultTimeout is the wall-clock budget of one step attempt.
	DefaultTimeout time.Duration // default: 60s

	// MaxTimeout caps per-step overrides from the request.
	MaxTimeout time.Duration // default: 10m
}

// RetryConfig parameterises the retry policy.
type RetryConfig struct {
	// BaseDelay is the backoff after the first failed attempt; it doubles
	// on each further attempt.
	BaseDelay time.Duration // default: 2s

	// MaxDelay caps the backoff.
	MaxDelay time.Duration // default: 60s

	// MaxAttempts is the number of attempts allowed per step.
	MaxAttempts int // default: 5

	// MaxJobDuration bounds the total run time of a job.
	MaxJobDuration time.Duration // default: 30m
}

// SupervisorConfig controls the job supervisor.
type SupervisorConfig struct {
	// MaxRestarts is how many times a crashed run is resumed before the job
	// is marked failed.
	MaxRestarts int // default: 1

	// MaxActive limits concurrently running jobs. 0 means unlimited.
	MaxActive int // default: 4

	// Retention purges terminal jobs older than this. 0 disables it.
	Retention time.Duration // default: 0
}

// ArtifactConfig controls diagnostic capture.
type ArtifactConfig struct {
	// Dir is the root directory for failure screenshots.
	Dir string // default: "output/error_images"
}

// StoreConfig controls the snapshot store.
type StoreConfig struct {
	// Path is the badger directory. Empty disables persistence.
	Path string // default: "data/jobs"
}

// ScheduleConfig controls recurring jobs.
type ScheduleConfig struct {
	// File is a YAML jobs file. Empty disables the scheduler.
	File string
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: false

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to read .env file", "error", err)
	}

	return &Config{
		Server: ServerConfig{
			Host: envOr("SHEPHERD_HOST", "0.0.0.0"),
			Port: envIntOr("PORT", envIntOr("SHEPHERD_PORT", 10000)),
			Mode: envOr("SHEPHERD_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("SHEPHERD_HEADLESS", true),
			Proxy:        os.Getenv("SHEPHERD_PROXY"),
			NoSandbox:    envBoolOr("SHEPHERD_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("SHEPHERD_BROWSER_BIN"),
			Stealth:      envBoolOr("SHEPHERD_STEALTH", true),
			UserAgent:    os.Getenv("SHEPHERD_USER_AGENT"),
			WindowWidth:  envIntOr("SHEPHERD_WINDOW_WIDTH", 800),
			WindowHeight: envIntOr("SHEPHERD_WINDOW_HEIGHT", 600),
			BlockedResourceTypes: envSliceOr("SHEPHERD_BLOCKED_RESOURCES", []string{
				"Font", "Media",
			}),
			LayoutTTL: envDurationOr("SHEPHERD_LAYOUT_TTL", 24*time.Hour),
		},
		Step: StepConfig{
			DefaultTimeout: envDurationOr("SHEPHERD_STEP_TIMEOUT", 60*time.Second),
			MaxTimeout:     envDurationOr("SHEPHERD_STEP_MAX_TIMEOUT", 10*time.Minute),
		},
		Retry: RetryConfig{
			BaseDelay:      envDurationOr("SHEPHERD_RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:       envDurationOr("SHEPHERD_RETRY_MAX_DELAY", 60*time.Second),
			MaxAttempts:    envIntOr("SHEPHERD_RETRY_MAX_ATTEMPTS", 5),
			MaxJobDuration: envDurationOr("SHEPHERD_MAX_JOB_DURATION", 30*time.Minute),
		},
		Supervisor: SupervisorConfig{
			MaxRestarts: envIntOr("SHEPHERD_MAX_RESTARTS", 1),
			MaxActive:   envIntOr("SHEPHERD_MAX_ACTIVE_JOBS", 4),
			Retention:   envDurationOr("SHEPHERD_RETENTION", 0),
		},
		Artifact: ArtifactConfig{
			Dir: envOr("SHEPHERD_ARTIFACT_DIR", "output/error_images"),
		},
		Store: StoreConfig{
			Path: envOr("SHEPHERD_STORE_PATH", "data/jobs"),
		},
		Schedule: ScheduleConfig{
			File: os.Getenv("SHEPHERD_SCHEDULE_FILE"),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("SHEPHERD_AUTH_ENABLED", false),
			APIKeys: envSliceOr("SHEPHERD_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("SHEPHERD_RATE_RPS", 5.0),
			Burst:             envIntOr("SHEPHERD_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("SHEPHERD_LOG_LEVEL", "info"),
			Format: envOr("SHEPHERD_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
