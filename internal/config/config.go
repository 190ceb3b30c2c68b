// Package config provides configuration loading for the command runner.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all command runner configuration.
type Config struct {
	// Listen address (default ":6699")
	ListenAddr string `json:"listen_addr"`

	// Data directory for the SQLite inventory cache (empty disables caching)
	DataDir string `json:"data_dir,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// Vendor profile file (JSON, {"vendor_config": {...}})
	VendorConfig string `json:"vendor_config,omitempty"`

	// Device inventory source: either a YAML file or a SQL DSN.
	DeviceFile     string `json:"device_file,omitempty"`
	DeviceDBDriver string `json:"device_db_driver,omitempty"` // "mysql" or "pgx"
	DeviceDBDSN    string `json:"device_db_dsn,omitempty"`

	// DeviceDBUpdateIntervalSec is the inventory refresh period (default 30m).
	DeviceDBUpdateIntervalSec int `json:"device_db_update_interval,omitempty"`

	// DeviceNameFilter restricts the inventory to hostnames matching a regex.
	DeviceNameFilter string `json:"device_name_filter,omitempty"`

	// MaxFetchWorkers bounds concurrent on-demand inventory fetches.
	MaxFetchWorkers int `json:"max_default_executor_threads,omitempty"`

	// Bulk dispatch tuning.
	LBThreshold          int `json:"lb_threshold,omitempty"`
	RemoteCallOverhead   int `json:"remote_call_overhead,omitempty"`
	BulkSessionLimit     int `json:"bulk_session_limit,omitempty"`
	BulkRetryLimit       int `json:"bulk_retry_limit,omitempty"`
	BulkRunJitterSec     int `json:"bulk_run_jitter,omitempty"`
	BulkRetryDelayMinSec int `json:"bulk_retry_delay_min,omitempty"`
	BulkRetryDelayMaxSec int `json:"bulk_retry_delay_max,omitempty"`

	// Peers are base URLs of other instances for bulk chunk forwarding.
	Peers []string `json:"peers,omitempty"`

	// ExitMaxWaitSec bounds the shutdown drain (default 300).
	ExitMaxWaitSec int `json:"exit_max_wait,omitempty"`

	// IdleSweepIntervalSec is the registry idle-sweep period (default 30).
	IdleSweepIntervalSec int `json:"session_idle_sweep_interval,omitempty"`

	// OTLPEndpoint enables tracing when set (host:port of an OTLP collector).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:                ":6699",
		LogLevel:                  "info",
		DeviceDBUpdateIntervalSec: 1800,
		MaxFetchWorkers:           10,
		LBThreshold:               100,
		RemoteCallOverhead:        20,
		BulkSessionLimit:          200,
		BulkRetryLimit:            5,
		BulkRunJitterSec:          5,
		BulkRetryDelayMinSec:      5,
		BulkRetryDelayMaxSec:      10,
		ExitMaxWaitSec:            300,
		IdleSweepIntervalSec:      30,
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("FCR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FCR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FCR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FCR_VENDOR_CONFIG"); v != "" {
		cfg.VendorConfig = v
	}
	if v := os.Getenv("FCR_DEVICE_FILE"); v != "" {
		cfg.DeviceFile = v
	}
	if v := os.Getenv("FCR_DEVICE_DB_DRIVER"); v != "" {
		cfg.DeviceDBDriver = v
	}
	if v := os.Getenv("FCR_DEVICE_DB_DSN"); v != "" {
		cfg.DeviceDBDSN = v
	}
	if v := os.Getenv("FCR_DEVICE_NAME_FILTER"); v != "" {
		cfg.DeviceNameFilter = v
	}
	if v := os.Getenv("FCR_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("FCR_LB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LBThreshold = n
		}
	}
	if v := os.Getenv("FCR_EXIT_MAX_WAIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExitMaxWaitSec = n
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.LBThreshold <= 0 {
		return fmt.Errorf("lb_threshold must be positive, got %d", c.LBThreshold)
	}
	if c.BulkRetryDelayMinSec > c.BulkRetryDelayMaxSec {
		return fmt.Errorf("bulk_retry_delay_min %d exceeds max %d",
			c.BulkRetryDelayMinSec, c.BulkRetryDelayMaxSec)
	}
	if c.DeviceFile != "" && c.DeviceDBDSN != "" {
		return fmt.Errorf("device_file and device_db_dsn are mutually exclusive")
	}
	return nil
}
