package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected logLevel info, got %s", cfg.Server.LogLevel)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("expected maxRetries 3, got %d", cfg.Queue.MaxRetries)
	}
	if got := cfg.RetryDelays(); len(got) != 3 || got[0] != time.Second || got[2] != 5*time.Second {
		t.Errorf("unexpected retry delays %v", got)
	}
	if !cfg.Queue.AutoPrune {
		t.Error("expected autoPrune enabled by default")
	}
	if cfg.Cache.MaxSizeBytes != 10*1024*1024 {
		t.Errorf("expected 10MB cache, got %d", cfg.Cache.MaxSizeBytes)
	}
	if cfg.Cache.EvictionPolicy != "LRU" {
		t.Errorf("expected LRU, got %s", cfg.Cache.EvictionPolicy)
	}
	if cfg.SyncInterval() != 30*time.Second {
		t.Errorf("expected 30s sync interval, got %v", cfg.SyncInterval())
	}
	if cfg.BackgroundInterval() != 15*time.Minute {
		t.Errorf("expected 15m background interval, got %v", cfg.BackgroundInterval())
	}
	if cfg.Backend.TimeoutSeconds != 10 {
		t.Errorf("expected 10s backend timeout, got %d", cfg.Backend.TimeoutSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(tmpDir, "data")
	cfg.Server.LogLevel = "debug"
	cfg.Queue.MaxRetries = 5
	cfg.Cache.EvictionPolicy = "LFU"
	cfg.Cache.TTLSeconds = map[string]int{"active_emergencies": 60}
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", loaded.Server.LogLevel)
	}
	if loaded.Queue.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", loaded.Queue.MaxRetries)
	}
	if loaded.Cache.EvictionPolicy != "LFU" {
		t.Errorf("expected LFU, got %s", loaded.Cache.EvictionPolicy)
	}
	if loaded.CacheTTLs()["active_emergencies"] != time.Minute {
		t.Errorf("expected ttl override, got %v", loaded.CacheTTLs())
	}
	if _, err := os.Stat(loaded.Server.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadConfigTOMLAndYAML(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.ToSlash(filepath.Join(tmpDir, "data"))

	tomlPath := filepath.Join(tmpDir, "config.toml")
	tomlDoc := "[server]\ndataDir = \"" + dataDir + "\"\nlogLevel = \"warn\"\n\n[sync]\nintervalSeconds = 5\n"
	if err := os.WriteFile(tomlPath, []byte(tomlDoc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(tomlPath)
	if err != nil {
		t.Fatalf("Load toml: %v", err)
	}
	if cfg.Server.LogLevel != "warn" || cfg.Sync.IntervalSeconds != 5 {
		t.Errorf("toml not applied: %+v %+v", cfg.Server, cfg.Sync)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("defaults should survive partial toml, got %d", cfg.Queue.MaxRetries)
	}

	yamlPath := filepath.Join(tmpDir, "config.yaml")
	yamlDoc := "server:\n  dataDir: " + dataDir + "\ncache:\n  evictionPolicy: FIFO\n"
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.Cache.EvictionPolicy != "FIFO" {
		t.Errorf("expected FIFO, got %s", cfg.Cache.EvictionPolicy)
	}
}

func TestSaveRoundTripFormats(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"c.json", "c.toml", "c.yaml"} {
		path := filepath.Join(tmpDir, name)
		cfg := DefaultConfig()
		cfg.Server.DataDir = filepath.Join(tmpDir, "data")
		cfg.Sync.IntervalSeconds = 12
		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load %s: %v", name, err)
		}
		if loaded.Sync.IntervalSeconds != 12 {
			t.Errorf("%s: expected 12, got %d", name, loaded.Sync.IntervalSeconds)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{invalid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NOSARA_SYNC_INTERVAL_SECONDS", "7")
	t.Setenv("NOSARA_SYNC_AUTO_SYNC", "false")
	t.Setenv("NOSARA_CACHE_EVICTION_POLICY", "FIFO")
	t.Setenv("NOSARA_QUEUE_RETRY_DELAYS_MS", "10,20")
	t.Setenv("NOSARA_BACKEND_BASE_URL", "http://example.test:3000")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Sync.IntervalSeconds != 7 {
		t.Errorf("expected 7, got %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Sync.AutoSync {
		t.Error("expected autoSync false")
	}
	if cfg.Cache.EvictionPolicy != "FIFO" {
		t.Errorf("expected FIFO, got %s", cfg.Cache.EvictionPolicy)
	}
	if len(cfg.Queue.RetryDelaysMs) != 2 || cfg.Queue.RetryDelaysMs[1] != 20 {
		t.Errorf("unexpected delays %v", cfg.Queue.RetryDelaysMs)
	}
	if cfg.Backend.BaseURL != "http://example.test:3000" {
		t.Errorf("unexpected base url %s", cfg.Backend.BaseURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad policy", func(c *Config) { c.Cache.EvictionPolicy = "RANDOM" }, "EvictionPolicy"},
		{"zero retries", func(c *Config) { c.Queue.MaxRetries = 0 }, "MaxRetries"},
		{"empty delays", func(c *Config) { c.Queue.RetryDelaysMs = nil }, "RetryDelaysMs"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "LogLevel"},
		{"bad backend url", func(c *Config) { c.Backend.BaseURL = "not a url" }, "BaseURL"},
		{"mqtt without host", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Host = "" }, "Host"},
		{"probe without url", func(c *Config) { c.Connectivity.ProbeURL = "" }, "ProbeURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error mentioning %s, got %v", tt.field, err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/nosara"
	if got := cfg.Resolve("kv"); got != filepath.Join("/var/lib/nosara", "kv") {
		t.Errorf("unexpected %s", got)
	}
	if got := cfg.Resolve("/abs/db.sqlite"); got != "/abs/db.sqlite" {
		t.Errorf("absolute path should pass through, got %s", got)
	}
}
