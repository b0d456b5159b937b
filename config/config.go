package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Registry  RegistryConfig
	Retry     RetryConfig
	Cache     CacheConfig
	Browser   BrowserConfig
	HTTP      HTTPConfig
	Rules     RulesConfig
	Strategy  StrategyConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"

	// ShutdownTimeout is how long in-flight requests get to drain.
	ShutdownTimeout time.Duration // default: 10s

	// MaxBatchSize caps the number of targets per batch request.
	MaxBatchSize int // default: 50
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: false

	APIKeys []string
}

// RateLimitConfig controls per-client rate limiting of the inbound API.
type RateLimitConfig struct {
	RequestsPerSecond float64 // default: 20
	Burst             int     // default: 40
}

// RegistryConfig controls per-host outbound protection.
type RegistryConfig struct {
	// RatePerSecond is the per-host token refill rate. <= 0 disables limiting.
	RatePerSecond float64 // default: 5
	// Burst is the per-host bucket capacity.
	Burst int // default: 10

	FailureRateThreshold float64       // default: 0.5
	WindowSize           int           // default: 10
	MinimumSamples       int           // default: 6
	Cooldown             time.Duration // default: 30s

	// HostIdleTTL evicts closed hosts that have not been used for this long.
	HostIdleTTL time.Duration // default: 1h
}

// RetryConfig controls the attempt loop of one fetch.
type RetryConfig struct {
	MaxAttempts int           // default: 3
	BackoffBase time.Duration // default: 200ms
	BackoffCap  time.Duration // default: 5s

	// Escalate enables falling back from HTTP to the browser in auto mode.
	Escalate bool // default: true

	// DefaultTimeout bounds one fetcher invocation.
	DefaultTimeout time.Duration // default: 30s
	// MaxTimeout is the largest per-attempt timeout a client may request.
	MaxTimeout time.Duration // default: 120s
}

// CacheConfig controls the extracted-data cache.
type CacheConfig struct {
	Capacity        int           // default: 1000
	DefaultTTL      time.Duration // default: 1h
	CleanupInterval time.Duration // default: 5m
}

// BrowserConfig controls the headless browser and its session pool.
type BrowserConfig struct {
	Enabled   bool // default: true
	Headless  bool // default: true
	NoSandbox bool // default: false
	Bin       string
	Proxy     string
	Stealth   bool // default: true

	MinSessions    int           // default: 1
	MaxSessions    int           // default: 5
	AcquireTimeout time.Duration // default: 10s

	// MemThreshold is the heap fraction above which idle sessions are shed.
	MemThreshold  float64       // default: 0.9
	ScaleInterval time.Duration // default: 10s

	// BlockedResourceTypes lists resource types sessions do not load.
	// default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string
	BlockTrackers        bool // default: true
}

// HTTPConfig controls the plain HTTP fetcher.
type HTTPConfig struct {
	UserAgent      string
	MaxBodyBytes   int64 // default: 10 MiB
	TLSFingerprint bool  // default: true
	Proxy          string
	MaxRedirects   int // default: 10
}

// RulesConfig points at the extraction rulesets.
type RulesConfig struct {
	// Path is a YAML rulesets file; empty loads only the built-in default.
	Path string
}

// StrategyConfig controls per-host strategy memory.
type StrategyConfig struct {
	// Remember makes the selector start with the browser for hosts that
	// recently needed it.
	Remember bool          // default: false
	TTL      time.Duration // default: 24h
}

// Load reads .env.local and .env (when present) and then configuration from
// environment variables with sane defaults. Variables already set in the
// environment win over both files.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            envOr("FETCHD_HOST", "0.0.0.0"),
			Port:            envIntOr("FETCHD_PORT", 8080),
			Mode:            envOr("FETCHD_MODE", "release"),
			ShutdownTimeout: envDurationOr("FETCHD_SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxBatchSize:    envIntOr("FETCHD_MAX_BATCH_SIZE", 50),
		},
		Log: LogConfig{
			Level:  envOr("FETCHD_LOG_LEVEL", "info"),
			Format: envOr("FETCHD_LOG_FORMAT", "json"),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("FETCHD_AUTH_ENABLED", false),
			APIKeys: envSliceOr("FETCHD_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("FETCHD_API_RATE_RPS", 20),
			Burst:             envIntOr("FETCHD_API_RATE_BURST", 40),
		},
		Registry: RegistryConfig{
			RatePerSecond:        envFloatOr("FETCHD_HOST_RATE_RPS", 5),
			Burst:                envIntOr("FETCHD_HOST_RATE_BURST", 10),
			FailureRateThreshold: envFloatOr("FETCHD_BREAKER_THRESHOLD", 0.5),
			WindowSize:           envIntOr("FETCHD_BREAKER_WINDOW", 10),
			MinimumSamples:       envIntOr("FETCHD_BREAKER_MIN_SAMPLES", 6),
			Cooldown:             envDurationOr("FETCHD_BREAKER_COOLDOWN", 30*time.Second),
			HostIdleTTL:          envDurationOr("FETCHD_HOST_IDLE_TTL", time.Hour),
		},
		Retry: RetryConfig{
			MaxAttempts:    envIntOr("FETCHD_MAX_ATTEMPTS", 3),
			BackoffBase:    envDurationOr("FETCHD_BACKOFF_BASE", 200*time.Millisecond),
			BackoffCap:     envDurationOr("FETCHD_BACKOFF_CAP", 5*time.Second),
			Escalate:       envBoolOr("FETCHD_ESCALATE", true),
			DefaultTimeout: envDurationOr("FETCHD_DEFAULT_TIMEOUT", 30*time.Second),
			MaxTimeout:     envDurationOr("FETCHD_MAX_TIMEOUT", 120*time.Second),
		},
		Cache: CacheConfig{
			Capacity:        envIntOr("FETCHD_CACHE_CAPACITY", 1000),
			DefaultTTL:      envDurationOr("FETCHD_CACHE_TTL", time.Hour),
			CleanupInterval: envDurationOr("FETCHD_CACHE_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Browser: BrowserConfig{
			Enabled:        envBoolOr("FETCHD_BROWSER_ENABLED", true),
			Headless:       envBoolOr("FETCHD_HEADLESS", true),
			NoSandbox:      envBoolOr("FETCHD_NO_SANDBOX", false),
			Bin:            os.Getenv("FETCHD_BROWSER_BIN"),
			Proxy:          os.Getenv("FETCHD_BROWSER_PROXY"),
			Stealth:        envBoolOr("FETCHD_BROWSER_STEALTH", true),
			MinSessions:    envIntOr("FETCHD_MIN_SESSIONS", 1),
			MaxSessions:    envIntOr("FETCHD_MAX_SESSIONS", 5),
			AcquireTimeout: envDurationOr("FETCHD_SESSION_ACQUIRE_TIMEOUT", 10*time.Second),
			MemThreshold:   envFloatOr("FETCHD_MEM_THRESHOLD", 0.9),
			ScaleInterval:  envDurationOr("FETCHD_POOL_SCALE_INTERVAL", 10*time.Second),
			BlockedResourceTypes: envSliceOr("FETCHD_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
			BlockTrackers: envBoolOr("FETCHD_BLOCK_TRACKERS", true),
		},
		HTTP: HTTPConfig{
			UserAgent:      os.Getenv("FETCHD_USER_AGENT"),
			MaxBodyBytes:   int64(envIntOr("FETCHD_MAX_BODY_BYTES", 10<<20)),
			TLSFingerprint: envBoolOr("FETCHD_TLS_FINGERPRINT", true),
			Proxy:          os.Getenv("FETCHD_HTTP_PROXY"),
			MaxRedirects:   envIntOr("FETCHD_MAX_REDIRECTS", 10),
		},
		Rules: RulesConfig{
			Path: os.Getenv("FETCHD_RULES_PATH"),
		},
		Strategy: StrategyConfig{
			Remember: envBoolOr("FETCHD_REMEMBER_STRATEGY", false),
			TTL:      envDurationOr("FETCHD_STRATEGY_TTL", 24*time.Hour),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the components cannot honour.
func (c *Config) Validate() error {
	switch {
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("config: FETCHD_MAX_ATTEMPTS must be >= 1, got %d", c.Retry.MaxAttempts)
	case c.Registry.FailureRateThreshold <= 0 || c.Registry.FailureRateThreshold > 1:
		return fmt.Errorf("config: FETCHD_BREAKER_THRESHOLD must be in (0, 1], got %g", c.Registry.FailureRateThreshold)
	case c.Registry.WindowSize < 1:
		return fmt.Errorf("config: FETCHD_BREAKER_WINDOW must be >= 1, got %d", c.Registry.WindowSize)
	case c.Registry.Burst < 1:
		return fmt.Errorf("config: FETCHD_HOST_RATE_BURST must be >= 1, got %d", c.Registry.Burst)
	case c.Cache.Capacity < 1:
		return fmt.Errorf("config: FETCHD_CACHE_CAPACITY must be >= 1, got %d", c.Cache.Capacity)
	case c.Browser.MaxSessions < 1:
		return fmt.Errorf("config: FETCHD_MAX_SESSIONS must be >= 1, got %d", c.Browser.MaxSessions)
	case c.Server.MaxBatchSize < 1:
		return fmt.Errorf("config: FETCHD_MAX_BATCH_SIZE must be >= 1, got %d", c.Server.MaxBatchSize)
	}
	return nil
}

// loadEnvFiles loads FETCHD_ENV_FILE if set, otherwise .env.local then .env.
// godotenv never overrides variables that are already set, so the first file
// to define a key wins. Missing files are ignored.
func loadEnvFiles() error {
	if envFile := os.Getenv("FETCHD_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
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
