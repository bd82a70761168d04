// Package config centralizes environment-driven settings and their defaults.
package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultCacheRoot    = "./data/logvault"
	DefaultMetaCacheDir = "./data/logvault-meta"
)

// Provider defaults
const (
	DefaultAPIBaseURL           = "https://eu.rest.logs.insight.rapid7.com"
	DefaultPerPage              = 500
	DefaultRequestTimeout       = 30 * time.Second
	DefaultPollInitialBackoff   = 250 * time.Millisecond
	DefaultPollMaxBackoff       = 5 * time.Second
	DefaultPollMaxAttempts      = 60
	DefaultRetryAttempts        = 3
	DefaultRateLimitMaxRetries  = 5
	DefaultRateLimitDefaultWait = 1 * time.Second
	DefaultRateLimitMaxWait     = 60 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Writer defaults
const (
	DefaultMaxBufferRows  = 5000
	DefaultMaxBufferBytes = 32 << 20
	DefaultCompression    = "snappy"
)

// Config holds every runtime setting. Load it once with FromEnv.
type Config struct {
	Port         string
	CacheRoot    string
	MetaCacheDir string
	BypassCache  bool
	LogLevel     slog.Level

	APIBaseURL string
	APIKey     string
	// LogKey is the default entity ingested by a one-shot run.
	LogKey  string
	Filter  string
	PerPage int

	RequestTimeout       time.Duration
	PollInitialBackoff   time.Duration
	PollMaxBackoff       time.Duration
	PollMaxAttempts      int
	RetryAttempts        int
	RateLimitMaxRetries  int
	RateLimitDefaultWait time.Duration
	RateLimitMaxWait     time.Duration

	Dedupe         bool
	MaxBufferRows  int
	MaxBufferBytes int64
	Compression    string
}

// FromEnv reads configuration from LOGVAULT_* environment variables, falling
// back to the defaults above.
func FromEnv() Config {
	return Config{
		Port:         getEnvString("LOGVAULT_PORT", DefaultPort),
		CacheRoot:    getEnvString("LOGVAULT_CACHE_ROOT", DefaultCacheRoot),
		MetaCacheDir: getEnvString("LOGVAULT_META_CACHE_DIR", DefaultMetaCacheDir),
		BypassCache:  getEnvBool("LOGVAULT_BYPASS_CACHE", false),
		LogLevel:     getEnvLevel("LOGVAULT_LOG_LEVEL", slog.LevelInfo),

		APIBaseURL: getEnvString("LOGVAULT_API_URL", DefaultAPIBaseURL),
		APIKey:     os.Getenv("LOGVAULT_API_KEY"),
		LogKey:     os.Getenv("LOGVAULT_LOG_KEY"),
		Filter:     os.Getenv("LOGVAULT_FILTER"),
		PerPage:    getEnvInt("LOGVAULT_PER_PAGE", DefaultPerPage),

		RequestTimeout:       getEnvDuration("LOGVAULT_REQUEST_TIMEOUT", DefaultRequestTimeout),
		PollInitialBackoff:   getEnvDuration("LOGVAULT_POLL_INITIAL_BACKOFF", DefaultPollInitialBackoff),
		PollMaxBackoff:       getEnvDuration("LOGVAULT_POLL_MAX_BACKOFF", DefaultPollMaxBackoff),
		PollMaxAttempts:      getEnvInt("LOGVAULT_POLL_MAX_ATTEMPTS", DefaultPollMaxAttempts),
		RetryAttempts:        getEnvInt("LOGVAULT_RETRY_ATTEMPTS", DefaultRetryAttempts),
		RateLimitMaxRetries:  getEnvInt("LOGVAULT_RATE_LIMIT_RETRIES", DefaultRateLimitMaxRetries),
		RateLimitDefaultWait: getEnvDuration("LOGVAULT_RATE_LIMIT_DEFAULT_WAIT", DefaultRateLimitDefaultWait),
		RateLimitMaxWait:     getEnvDuration("LOGVAULT_RATE_LIMIT_MAX_WAIT", DefaultRateLimitMaxWait),

		Dedupe:         getEnvBool("LOGVAULT_DEDUPE", true),
		MaxBufferRows:  getEnvInt("LOGVAULT_MAX_BUFFER_ROWS", DefaultMaxBufferRows),
		MaxBufferBytes: getEnvInt64("LOGVAULT_MAX_BUFFER_BYTES", DefaultMaxBufferBytes),
		Compression:    getEnvString("LOGVAULT_COMPRESSION", DefaultCompression),
	}
}

// Validate checks the settings a provider-facing run cannot do without.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("config: LOGVAULT_API_KEY is required")
	}
	if c.APIBaseURL == "" {
		return errors.New("config: LOGVAULT_API_URL is required")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		slog.Warn("invalid env value, using default", "key", key, "value", val)
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid env value, using default", "key", key, "value", val)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
		slog.Warn("invalid env value, using default", "key", key, "value", val)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		slog.Warn("invalid env value, using default", "key", key, "value", val)
	}
	return defaultValue
}

func getEnvLevel(key string, defaultValue slog.Level) slog.Level {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		slog.Warn("invalid env value, using default", "key", key, "value", val)
		return defaultValue
	}
	return level
}
