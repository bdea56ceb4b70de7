package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadEngineConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
engine:
  server_port: 31000
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	if cfg.Engine.ListenPort != 31000 {
		t.Errorf("expected listen port 31000, got %d", cfg.Engine.ListenPort)
	}
	if cfg.Engine.ResultsDir != "." {
		t.Errorf("expected default results_dir '.', got %q", cfg.Engine.ResultsDir)
	}
	if cfg.Engine.MaxRequests != 20 {
		t.Errorf("expected default max_requests 20, got %d", cfg.Engine.MaxRequests)
	}
	if cfg.Engine.RetryInterval != 5*time.Minute {
		t.Errorf("expected default retry_interval 5m, got %v", cfg.Engine.RetryInterval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging level/format, got %+v", cfg.Logging)
	}
}

func TestLoadEngineConfig_ArchiveRequiresBucket(t *testing.T) {
	path := writeTempConfig(t, `
engine:
  server_port: 31000
archive:
  enabled: true
`)
	if _, err := LoadEngineConfig(path); err == nil {
		t.Fatal("expected error when archive.enabled is true without a bucket")
	}
}

func TestLoadEngineConfig_ArchiveDefaultsSchedule(t *testing.T) {
	path := writeTempConfig(t, `
engine:
  server_port: 31000
archive:
  enabled: true
  bucket: finj-logs
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	if cfg.Archive.Schedule != "@daily" {
		t.Errorf("expected default schedule '@daily', got %q", cfg.Archive.Schedule)
	}
}

func TestLoadControllerConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
controller:
  hosts:
    - "10.0.0.1:30000"
    - "10.0.0.2:30000"
`)
	cfg, err := LoadControllerConfig(path)
	if err != nil {
		t.Fatalf("LoadControllerConfig: %v", err)
	}
	if len(cfg.Controller.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(cfg.Controller.Hosts))
	}
	if cfg.Runtime.SessionWait != 10*time.Second {
		t.Errorf("expected default session_wait 10s, got %v", cfg.Runtime.SessionWait)
	}
	if cfg.Runtime.PreSendInterval != 30*time.Second {
		t.Errorf("expected default pre_send_interval 30s, got %v", cfg.Runtime.PreSendInterval)
	}
	if cfg.Controller.ResultsDir != "." {
		t.Errorf("expected default results_dir '.', got %q", cfg.Controller.ResultsDir)
	}
}

func TestLoadControllerConfig_NegativePreSendIntervalMeansSendAll(t *testing.T) {
	path := writeTempConfig(t, `
runtime:
  pre_send_interval: -1s
controller:
  hosts:
    - "10.0.0.1:30000"
`)
	cfg, err := LoadControllerConfig(path)
	if err != nil {
		t.Fatalf("LoadControllerConfig: %v", err)
	}
	if cfg.Runtime.PreSendInterval >= 0 {
		t.Errorf("expected negative pre_send_interval to survive validation, got %v", cfg.Runtime.PreSendInterval)
	}
}

func TestLoadEngineConfig_MissingFile(t *testing.T) {
	if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
