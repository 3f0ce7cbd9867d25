package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ZUBRIDGE_ADDR",
		"ZUBRIDGE_ALLOWED_ORIGINS",
		"ZUBRIDGE_MAX_PAYLOAD_BYTES",
		"ZUBRIDGE_PING_INTERVAL",
		"ZUBRIDGE_MAX_QUEUE_SIZE",
		"ZUBRIDGE_ACTION_TIMEOUT",
		"ZUBRIDGE_UPDATE_MAX_AGE",
		"ZUBRIDGE_THUNK_MAX_AGE",
		"ZUBRIDGE_BATCH_WINDOW",
		"ZUBRIDGE_BATCH_MAX_SIZE",
		"ZUBRIDGE_BATCH_PRIORITY_FLUSH",
		"ZUBRIDGE_COMPRESS_THRESHOLD_BYTES",
		"ZUBRIDGE_ADMIN_TOKEN",
		"ZUBRIDGE_ADMIN_RATE_WINDOW",
		"ZUBRIDGE_ADMIN_RATE_BURST",
		"ZUBRIDGE_LOG_LEVEL",
		"ZUBRIDGE_LOG_PATH",
		"ZUBRIDGE_LOG_MAX_SIZE_MB",
		"ZUBRIDGE_LOG_MAX_BACKUPS",
		"ZUBRIDGE_LOG_MAX_AGE_DAYS",
		"ZUBRIDGE_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval != DefaultPingInterval {
		t.Fatalf("expected default ping interval %v, got %v", DefaultPingInterval, cfg.PingInterval)
	}
	if cfg.MaxQueueSize != DefaultMaxQueueSize {
		t.Fatalf("expected default max queue size %d, got %d", DefaultMaxQueueSize, cfg.MaxQueueSize)
	}
	if cfg.ActionCompletionTimeout != DefaultActionCompletionTimeout {
		t.Fatalf("expected default action timeout %v, got %v", DefaultActionCompletionTimeout, cfg.ActionCompletionTimeout)
	}
	if cfg.UpdateMaxAge != DefaultUpdateMaxAge {
		t.Fatalf("expected default update max age %v, got %v", DefaultUpdateMaxAge, cfg.UpdateMaxAge)
	}
	if cfg.ThunkMaxAge != DefaultThunkMaxAge {
		t.Fatalf("expected default thunk max age %v, got %v", DefaultThunkMaxAge, cfg.ThunkMaxAge)
	}
	if cfg.BatchWindow != DefaultBatchWindow {
		t.Fatalf("expected default batch window %v, got %v", DefaultBatchWindow, cfg.BatchWindow)
	}
	if cfg.BatchMaxSize != DefaultBatchMaxSize {
		t.Fatalf("expected default batch max size %d, got %d", DefaultBatchMaxSize, cfg.BatchMaxSize)
	}
	if cfg.BatchPriorityFlushThreshold != DefaultBatchPriorityFlushThreshold {
		t.Fatalf("expected default priority flush threshold %d, got %d", DefaultBatchPriorityFlushThreshold, cfg.BatchPriorityFlushThreshold)
	}
	if cfg.CompressThresholdBytes != DefaultCompressThresholdBytes {
		t.Fatalf("expected default compress threshold %d, got %d", DefaultCompressThresholdBytes, cfg.CompressThresholdBytes)
	}
	if cfg.AdminToken != "" {
		t.Fatalf("expected no admin token by default, got %q", cfg.AdminToken)
	}
	if cfg.AdminRateWindow != DefaultAdminRateWindow {
		t.Fatalf("expected default admin rate window %v, got %v", DefaultAdminRateWindow, cfg.AdminRateWindow)
	}
	if cfg.AdminRateBurst != DefaultAdminRateBurst {
		t.Fatalf("expected default admin rate burst %d, got %d", DefaultAdminRateBurst, cfg.AdminRateBurst)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
	if cfg.Logging.MaxSizeMB != DefaultLogMaxSizeMB {
		t.Fatalf("expected default log max size %d, got %d", DefaultLogMaxSizeMB, cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ZUBRIDGE_ADDR", "127.0.0.1:9000")
	t.Setenv("ZUBRIDGE_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("ZUBRIDGE_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("ZUBRIDGE_PING_INTERVAL", "45s")
	t.Setenv("ZUBRIDGE_MAX_QUEUE_SIZE", "50")
	t.Setenv("ZUBRIDGE_ACTION_TIMEOUT", "2s")
	t.Setenv("ZUBRIDGE_UPDATE_MAX_AGE", "10s")
	t.Setenv("ZUBRIDGE_THUNK_MAX_AGE", "12s")
	t.Setenv("ZUBRIDGE_BATCH_WINDOW", "8ms")
	t.Setenv("ZUBRIDGE_BATCH_MAX_SIZE", "16")
	t.Setenv("ZUBRIDGE_BATCH_PRIORITY_FLUSH", "90")
	t.Setenv("ZUBRIDGE_COMPRESS_THRESHOLD_BYTES", "4096")
	t.Setenv("ZUBRIDGE_ADMIN_TOKEN", "s3cret")
	t.Setenv("ZUBRIDGE_ADMIN_RATE_WINDOW", "5s")
	t.Setenv("ZUBRIDGE_ADMIN_RATE_BURST", "3")
	t.Setenv("ZUBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("ZUBRIDGE_LOG_PATH", "/var/log/zubridge.log")
	t.Setenv("ZUBRIDGE_LOG_MAX_SIZE_MB", "512")
	t.Setenv("ZUBRIDGE_LOG_MAX_BACKUPS", "4")
	t.Setenv("ZUBRIDGE_LOG_MAX_AGE_DAYS", "2")
	t.Setenv("ZUBRIDGE_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("expected overridden max payload, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval != 45*time.Second {
		t.Fatalf("expected ping interval 45s, got %v", cfg.PingInterval)
	}
	if cfg.MaxQueueSize != 50 {
		t.Fatalf("expected overridden max queue size, got %d", cfg.MaxQueueSize)
	}
	if cfg.ActionCompletionTimeout != 2*time.Second {
		t.Fatalf("expected overridden action timeout, got %v", cfg.ActionCompletionTimeout)
	}
	if cfg.BatchWindow != 8*time.Millisecond {
		t.Fatalf("expected overridden batch window, got %v", cfg.BatchWindow)
	}
	if cfg.BatchPriorityFlushThreshold != 90 {
		t.Fatalf("expected overridden priority flush threshold, got %d", cfg.BatchPriorityFlushThreshold)
	}
	if cfg.CompressThresholdBytes != 4096 {
		t.Fatalf("expected overridden compress threshold, got %d", cfg.CompressThresholdBytes)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("expected overridden admin token, got %q", cfg.AdminToken)
	}
	if cfg.AdminRateWindow != 5*time.Second {
		t.Fatalf("expected overridden admin rate window, got %v", cfg.AdminRateWindow)
	}
	if cfg.AdminRateBurst != 3 {
		t.Fatalf("expected overridden admin rate burst, got %d", cfg.AdminRateBurst)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("ZUBRIDGE_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("ZUBRIDGE_PING_INTERVAL", "abc")
	t.Setenv("ZUBRIDGE_MAX_QUEUE_SIZE", "0")
	t.Setenv("ZUBRIDGE_LOG_MAX_SIZE_MB", "-1")
	t.Setenv("ZUBRIDGE_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"ZUBRIDGE_MAX_PAYLOAD_BYTES",
		"ZUBRIDGE_PING_INTERVAL",
		"ZUBRIDGE_MAX_QUEUE_SIZE",
		"ZUBRIDGE_LOG_MAX_SIZE_MB",
		"ZUBRIDGE_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("ZUBRIDGE_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}
