package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// FromEnv overlays MSGBUS_* environment variables onto cfg
func FromEnv(cfg *Config) error {
	if v := os.Getenv("MSGBUS_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("MSGBUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MSGBUS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("MSGBUS_DECLARE_TOPOLOGY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MSGBUS_DECLARE_TOPOLOGY: %w", err)
		}
		cfg.DeclareTopology = b
	}
	if v := os.Getenv("MSGBUS_BREAKER_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: MSGBUS_BREAKER_FAILURES: %w", err)
		}
		cfg.Breaker.ConsecutiveFailures = uint32(n)
	}
	if v := os.Getenv("MSGBUS_BREAKER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: MSGBUS_BREAKER_TIMEOUT: %w", err)
		}
		cfg.Breaker.Timeout = d
	}
	return nil
}
