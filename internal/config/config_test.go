package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.LBThreshold != 100 {
		t.Errorf("lb_threshold = %d", cfg.LBThreshold)
	}
	if cfg.ExitMaxWaitSec != 300 {
		t.Errorf("exit_max_wait = %d", cfg.ExitMaxWaitSec)
	}
	if cfg.RemoteCallOverhead != 20 {
		t.Errorf("remote_call_overhead = %d", cfg.RemoteCallOverhead)
	}
	if cfg.BulkSessionLimit != 200 {
		t.Errorf("bulk_session_limit = %d", cfg.BulkSessionLimit)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"listen_addr": ":7000",
		"lb_threshold": 50,
		"device_file": "/etc/fcr/devices.yaml",
		"peers": ["http://fcr-2:6699"]
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.LBThreshold != 50 {
		t.Errorf("lb_threshold = %d", cfg.LBThreshold)
	}
	if len(cfg.Peers) != 1 {
		t.Errorf("peers = %v", cfg.Peers)
	}
	// Defaults survive for fields the file omits.
	if cfg.BulkRetryLimit != 5 {
		t.Errorf("bulk_retry_limit = %d", cfg.BulkRetryLimit)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":7000", "lb_threshold": 50}`), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FCR_LISTEN_ADDR", ":8000")
	t.Setenv("FCR_LB_THRESHOLD", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("env should win: listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.LBThreshold != 25 {
		t.Errorf("env should win: lb_threshold = %d", cfg.LBThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.json"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_Validation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"device_file": "a.yaml", "device_db_dsn": "dsn"}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for conflicting inventory sources")
	}
}
