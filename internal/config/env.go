package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides cfg with any HM_* environment variables that are set.
func ApplyEnv(cfg *Config) {
	cfg.Project.Name = envOr("HM_PROJECT_NAME", cfg.Project.Name)
	cfg.Project.SessionID = envOr("HM_SESSION_ID", cfg.Project.SessionID)

	cfg.Supervisor.SocketPath = envOr("HM_SOCKET", cfg.Supervisor.SocketPath)
	cfg.Supervisor.Shell = envOr("HM_SHELL", cfg.Supervisor.Shell)

	cfg.Relay.URL = envOr("HM_RELAY_URL", cfg.Relay.URL)
	cfg.Relay.BridgeURL = envOr("HM_BRIDGE_URL", cfg.Relay.BridgeURL)
	cfg.Relay.Role = envOr("HM_ROLE", cfg.Relay.Role)
	cfg.Relay.Device = envOr("HM_DEVICE", cfg.Relay.Device)

	cfg.Delivery.Timeout = envDurationOr("HM_SEND_TIMEOUT", cfg.Delivery.Timeout)
	cfg.Delivery.Retries = envIntOr("HM_SEND_RETRIES", cfg.Delivery.Retries)
	cfg.Delivery.Backoff = envDurationOr("HM_SEND_BACKOFF", cfg.Delivery.Backoff)

	cfg.Trigger.Dir = envOr("HM_TRIGGER_DIR", cfg.Trigger.Dir)
	cfg.Trigger.Mode = envOr("HM_TRIGGER_MODE", cfg.Trigger.Mode)
	cfg.Trigger.StatusAddr = envOr("HM_STATUS_ADDR", cfg.Trigger.StatusAddr)

	cfg.Log.Level = envOr("HM_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("HM_LOG_FORMAT", cfg.Log.Format)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDurationOr accepts Go durations ("1.5s") or bare milliseconds ("1500").
func envDurationOr(key string, fallback Duration) Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return Duration(time.Duration(ms) * time.Millisecond)
	}
	if d, err := time.ParseDuration(v); err == nil {
		return Duration(d)
	}
	return fallback
}
