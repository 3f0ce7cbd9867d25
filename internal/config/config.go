package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the reference host listens on.
	DefaultAddr = ":7070"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultMaxQueueSize bounds the action scheduler's pending queue.
	DefaultMaxQueueSize = 1000
	// DefaultActionCompletionTimeout bounds how long a dispatched action may run before timing out.
	DefaultActionCompletionTimeout = 5 * time.Second
	// DefaultUpdateMaxAge bounds how long a pending state update is tracked before expiry.
	DefaultUpdateMaxAge = 30 * time.Second
	// DefaultThunkMaxAge bounds how long an unfinished thunk is tracked before being reaped.
	DefaultThunkMaxAge = 30 * time.Second

	// DefaultBatchWindow is the coalescing window for the subscriber-side action batcher.
	DefaultBatchWindow = 16 * time.Millisecond
	// DefaultBatchMaxSize caps the number of actions coalesced into a single batch.
	DefaultBatchMaxSize = 32
	// DefaultBatchPriorityFlushThreshold forces an immediate flush at or above this priority.
	DefaultBatchPriorityFlushThreshold = 80

	// DefaultCompressThresholdBytes is the payload size at/above which wire frames are compressed.
	DefaultCompressThresholdBytes = 8192

	// DefaultLogLevel controls verbosity for host logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "zubridge.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultAdminRateWindow bounds how often admin-gated endpoints may be hit.
	DefaultAdminRateWindow = time.Minute
	// DefaultAdminRateBurst caps admin-gated endpoint calls within the window.
	DefaultAdminRateBurst = 10
)

// Config captures all runtime tunables for the zubridge host process.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration

	MaxQueueSize            int
	ActionCompletionTimeout time.Duration
	UpdateMaxAge            time.Duration
	ThunkMaxAge             time.Duration

	BatchWindow                 time.Duration
	BatchMaxSize                int
	BatchPriorityFlushThreshold int
	CompressThresholdBytes      int

	AdminToken      string
	AdminRateWindow time.Duration
	AdminRateBurst  int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the host configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("ZUBRIDGE_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("ZUBRIDGE_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,

		MaxQueueSize:            DefaultMaxQueueSize,
		ActionCompletionTimeout: DefaultActionCompletionTimeout,
		UpdateMaxAge:            DefaultUpdateMaxAge,
		ThunkMaxAge:             DefaultThunkMaxAge,

		BatchWindow:                 DefaultBatchWindow,
		BatchMaxSize:                DefaultBatchMaxSize,
		BatchPriorityFlushThreshold: DefaultBatchPriorityFlushThreshold,
		CompressThresholdBytes:      DefaultCompressThresholdBytes,

		AdminToken:      strings.TrimSpace(os.Getenv("ZUBRIDGE_ADMIN_TOKEN")),
		AdminRateWindow: DefaultAdminRateWindow,
		AdminRateBurst:  DefaultAdminRateBurst,

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("ZUBRIDGE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("ZUBRIDGE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_MAX_QUEUE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_MAX_QUEUE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.MaxQueueSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_ACTION_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_ACTION_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.ActionCompletionTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_UPDATE_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_UPDATE_MAX_AGE must be a positive duration, got %q", raw))
		} else {
			cfg.UpdateMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_THUNK_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_THUNK_MAX_AGE must be a positive duration, got %q", raw))
		} else {
			cfg.ThunkMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_BATCH_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_BATCH_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.BatchWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_BATCH_MAX_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_BATCH_MAX_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.BatchMaxSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_BATCH_PRIORITY_FLUSH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_BATCH_PRIORITY_FLUSH must be a non-negative integer, got %q", raw))
		} else {
			cfg.BatchPriorityFlushThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_COMPRESS_THRESHOLD_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_COMPRESS_THRESHOLD_BYTES must be a non-negative integer, got %q", raw))
		} else {
			cfg.CompressThresholdBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_ADMIN_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_ADMIN_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AdminRateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_ADMIN_RATE_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_ADMIN_RATE_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.AdminRateBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ZUBRIDGE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ZUBRIDGE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
