package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the PCM renderer service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Ring buffer sizing
	BufferSeconds    float64 `envconfig:"BUFFER_SECONDS" default:"1.0"`        // Buffer capacity in seconds of audio
	MinBufferBytes   int     `envconfig:"MIN_BUFFER_BYTES" default:"3072000"`  // Capacity floor
	MaxBufferBytes   int     `envconfig:"MAX_BUFFER_BYTES" default:"16777216"` // Capacity ceiling
	PrefillMs        int     `envconfig:"PREFILL_MS" default:"50"`             // Prefill before playback starts
	LowRatePrefillMs int     `envconfig:"LOW_RATE_PREFILL_MS" default:"100"`   // Prefill for rates at or below 48kHz
	MinPrefillBytes  int     `envconfig:"MIN_PREFILL_BYTES" default:"1024"`    // Prefill floor
	MTU              int     `envconfig:"MTU" default:"1500"`                  // Transport MTU driving per-pull sizing
	DrainTimeoutMs   int     `envconfig:"DRAIN_TIMEOUT_MS" default:"500"`      // Bound on buffer drain waits
	StagingBytes     int     `envconfig:"STAGING_BYTES" default:"65536"`       // Conversion scratch buffer size

	// Flow control configuration
	FlowMicrosleepUs  int     `envconfig:"FLOW_MICROSLEEP_US" default:"500"`   // Sleep between failed send attempts
	FlowMaxWaitMs     int     `envconfig:"FLOW_MAX_WAIT_MS" default:"20"`      // Stall ceiling per send
	FlowCriticalLevel float64 `envconfig:"FLOW_CRITICAL_LEVEL" default:"0.1"`  // Fill fraction below which sends return immediately
	FlowChunkBytes    int     `envconfig:"FLOW_CHUNK_BYTES" default:"16384"`   // Per-submission chunk bound

	// Output sink for the pull consumer; empty discards the audio
	OutputPath string `envconfig:"OUTPUT_PATH" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects tunings that would make the pipeline misbehave
func (c *Config) Validate() error {
	if c.BufferSeconds <= 0 {
		return fmt.Errorf("BUFFER_SECONDS must be positive, got %v", c.BufferSeconds)
	}
	if c.MinBufferBytes > c.MaxBufferBytes {
		return fmt.Errorf("MIN_BUFFER_BYTES %d exceeds MAX_BUFFER_BYTES %d", c.MinBufferBytes, c.MaxBufferBytes)
	}
	if c.FlowCriticalLevel <= 0 || c.FlowCriticalLevel >= 1 {
		return fmt.Errorf("FLOW_CRITICAL_LEVEL must be between 0 and 1, got %v", c.FlowCriticalLevel)
	}
	if c.FlowMicrosleepUs <= 0 {
		return fmt.Errorf("FLOW_MICROSLEEP_US must be positive, got %d", c.FlowMicrosleepUs)
	}
	if c.FlowMaxWaitMs <= 0 {
		return fmt.Errorf("FLOW_MAX_WAIT_MS must be positive, got %d", c.FlowMaxWaitMs)
	}
	if c.MTU < 128 {
		return fmt.Errorf("MTU must be at least 128, got %d", c.MTU)
	}
	return nil
}

// DrainTimeout returns the drain bound as a duration
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// FlowMicrosleep returns the microsleep interval as a duration
func (c *Config) FlowMicrosleep() time.Duration {
	return time.Duration(c.FlowMicrosleepUs) * time.Microsecond
}

// FlowMaxWait returns the per-send stall ceiling as a duration
func (c *Config) FlowMaxWait() time.Duration {
	return time.Duration(c.FlowMaxWaitMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
