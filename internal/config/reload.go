package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists config fields that cannot be
// hot-reloaded and require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Port":    true,
	"Server.DataDir": true,
	"Storage":        true,
	"Secure":         true,
	"Backend":        true,
	"MQTT":           true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Queue",
	"Cache",
	"Sync",
	"Connectivity",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := decode(path, data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	if err := newCfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	skip := func(field string) {
		result.Changed = append(result.Changed, field)
		result.Skipped = append(result.Skipped, field+" (requires restart)")
	}
	apply := func(field string) {
		result.Changed = append(result.Changed, field)
		result.Applied = append(result.Applied, field)
	}

	if old.Server.Port != new.Server.Port {
		skip("Server.Port")
	}
	if old.Server.DataDir != new.Server.DataDir {
		skip("Server.DataDir")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		old.Server.LogLevel = new.Server.LogLevel
		apply("Server.LogLevel")
	}

	if !reflect.DeepEqual(old.Storage, new.Storage) {
		skip("Storage")
	}
	if !reflect.DeepEqual(old.Secure, new.Secure) {
		skip("Secure")
	}
	if !reflect.DeepEqual(old.Backend, new.Backend) {
		skip("Backend")
	}
	if !reflect.DeepEqual(old.MQTT, new.MQTT) {
		skip("MQTT")
	}

	if !reflect.DeepEqual(old.Queue, new.Queue) {
		old.Queue = new.Queue
		apply("Queue")
	}
	if !reflect.DeepEqual(old.Cache, new.Cache) {
		old.Cache = new.Cache
		apply("Cache")
	}
	if !reflect.DeepEqual(old.Sync, new.Sync) {
		old.Sync = new.Sync
		apply("Sync")
	}
	if !reflect.DeepEqual(old.Connectivity, new.Connectivity) {
		old.Connectivity = new.Connectivity
		apply("Connectivity")
	}
}

// Has reports whether field is among the changed fields.
func (r *ReloadResult) Has(field string) bool {
	for _, f := range r.Changed {
		if f == field {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
