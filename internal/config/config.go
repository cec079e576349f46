package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all offline sync configuration
type Config struct {
	// Server settings for the debug API
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	// Local storage backend for queue and cache blobs
	Storage StorageConfig `json:"storage" yaml:"storage" toml:"storage"`

	// Operation queue policy
	Queue QueueConfig `json:"queue" yaml:"queue" toml:"queue"`

	// Cache store limits and TTLs
	Cache CacheConfig `json:"cache" yaml:"cache" toml:"cache"`

	// Sync coordinator triggers
	Sync SyncConfig `json:"sync" yaml:"sync" toml:"sync"`

	// Reachability probing
	Connectivity ConnectivityConfig `json:"connectivity" yaml:"connectivity" toml:"connectivity"`

	// Encrypted credential store
	Secure SecureConfig `json:"secure" yaml:"secure" toml:"secure"`

	// Backend the operation handlers talk to
	Backend BackendConfig `json:"backend" yaml:"backend" toml:"backend"`

	// Optional MQTT mirror of sync events
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
}

type ServerConfig struct {
	Port      int    `json:"port" yaml:"port" toml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	DataDir   string `json:"dataDir" yaml:"dataDir" toml:"dataDir" env:"DATA_DIR" validate:"required"`
	LogLevel  string `json:"logLevel" yaml:"logLevel" toml:"logLevel" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `json:"logFormat" yaml:"logFormat" toml:"logFormat" env:"LOG_FORMAT" validate:"oneof=text json"`
	DeviceID  string `json:"deviceId,omitempty" yaml:"deviceId,omitempty" toml:"deviceId,omitempty" env:"DEVICE_ID"`
	// JWTSecret enables bearer auth on the debug API. Empty runs it open.
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty" toml:"jwtSecret,omitempty" env:"JWT_SECRET"`
}

type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend" env:"BACKEND" validate:"oneof=file sqlite memory"`
	// Path is a directory for "file" and a database file for "sqlite".
	// Relative paths resolve against Server.DataDir.
	Path string `json:"path" yaml:"path" toml:"path" env:"PATH"`
}

type QueueConfig struct {
	MaxRetries    int   `json:"maxRetries" yaml:"maxRetries" toml:"maxRetries" env:"MAX_RETRIES" validate:"gte=1"`
	RetryDelaysMs []int `json:"retryDelaysMs" yaml:"retryDelaysMs" toml:"retryDelaysMs" env:"RETRY_DELAYS_MS" validate:"min=1,dive,gte=0"`
	AutoPrune     bool  `json:"autoPrune" yaml:"autoPrune" toml:"autoPrune" env:"AUTO_PRUNE"`
}

type CacheConfig struct {
	Enabled        bool           `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	MaxSizeBytes   int64          `json:"maxSizeBytes" yaml:"maxSizeBytes" toml:"maxSizeBytes" env:"MAX_SIZE_BYTES" validate:"gt=0"`
	MaxEntryBytes  int64          `json:"maxEntryBytes,omitempty" yaml:"maxEntryBytes,omitempty" toml:"maxEntryBytes,omitempty" env:"MAX_ENTRY_BYTES" validate:"gte=0"`
	DefaultTTLSec  int            `json:"defaultTtlSeconds" yaml:"defaultTtlSeconds" toml:"defaultTtlSeconds" env:"DEFAULT_TTL_SECONDS" validate:"gt=0"`
	EvictionPolicy string         `json:"evictionPolicy" yaml:"evictionPolicy" toml:"evictionPolicy" env:"EVICTION_POLICY" validate:"oneof=LRU LFU FIFO"`
	TTLSeconds     map[string]int `json:"ttlSeconds,omitempty" yaml:"ttlSeconds,omitempty" toml:"ttlSeconds,omitempty"`
	DefaultVersion string         `json:"defaultVersion" yaml:"defaultVersion" toml:"defaultVersion" env:"DEFAULT_VERSION"`
}

type SyncConfig struct {
	AutoSync bool `json:"autoSync" yaml:"autoSync" toml:"autoSync" env:"AUTO_SYNC"`
	// IntervalSeconds drives the foreground poll.
	IntervalSeconds int `json:"intervalSeconds" yaml:"intervalSeconds" toml:"intervalSeconds" env:"INTERVAL_SECONDS" validate:"gt=0"`
	// BackgroundIntervalMinutes is used when the host offers a background scheduler.
	BackgroundIntervalMinutes int  `json:"backgroundIntervalMinutes" yaml:"backgroundIntervalMinutes" toml:"backgroundIntervalMinutes" env:"BACKGROUND_INTERVAL_MINUTES" validate:"gt=0"`
	Background                bool `json:"background" yaml:"background" toml:"background" env:"BACKGROUND"`
}

type ConnectivityConfig struct {
	// Mode is "probe" (HTTP reachability checks) or "manual" (host pushes state).
	Mode             string `json:"mode" yaml:"mode" toml:"mode" env:"MODE" validate:"oneof=probe manual"`
	ProbeURL         string `json:"probeUrl" yaml:"probeUrl" toml:"probeUrl" env:"PROBE_URL" validate:"required_if=Mode probe"`
	ProbeIntervalSec int    `json:"probeIntervalSeconds" yaml:"probeIntervalSeconds" toml:"probeIntervalSeconds" env:"PROBE_INTERVAL_SECONDS" validate:"gt=0"`
	ProbeTimeoutSec  int    `json:"probeTimeoutSeconds" yaml:"probeTimeoutSeconds" toml:"probeTimeoutSeconds" env:"PROBE_TIMEOUT_SECONDS" validate:"gt=0"`
}

type SecureConfig struct {
	Dir string `json:"dir" yaml:"dir" toml:"dir" env:"DIR"`
	// Passphrase derives the store key with argon2id. Empty means a random key file.
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty" toml:"passphrase,omitempty" env:"PASSPHRASE"`
}

type BackendConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl" env:"BASE_URL" validate:"required,url"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds" env:"TIMEOUT_SECONDS" validate:"gt=0"`
	// Breaker trips after this many consecutive failures.
	BreakerFailures int `json:"breakerFailures" yaml:"breakerFailures" toml:"breakerFailures" env:"BREAKER_FAILURES" validate:"gt=0"`
	BreakerOpenSec  int `json:"breakerOpenSeconds" yaml:"breakerOpenSeconds" toml:"breakerOpenSeconds" env:"BREAKER_OPEN_SECONDS" validate:"gt=0"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Host     string `json:"host" yaml:"host" toml:"host" env:"HOST" validate:"required_if=Enabled true"`
	Port     int    `json:"port" yaml:"port" toml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty" env:"USERNAME"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty" env:"PASSWORD"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8430,
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "kv",
		},
		Queue: QueueConfig{
			MaxRetries:    3,
			RetryDelaysMs: []int{1000, 3000, 5000},
			AutoPrune:     true,
		},
		Cache: CacheConfig{
			Enabled:        true,
			MaxSizeBytes:   10 * 1024 * 1024,
			DefaultTTLSec:  3600,
			EvictionPolicy: "LRU",
			DefaultVersion: "1.0.0",
		},
		Sync: SyncConfig{
			AutoSync:                  true,
			IntervalSeconds:           30,
			BackgroundIntervalMinutes: 15,
			Background:                true,
		},
		Connectivity: ConnectivityConfig{
			Mode:             "probe",
			ProbeURL:         "http://192.168.100.5:3000",
			ProbeIntervalSec: 10,
			ProbeTimeoutSec:  5,
		},
		Secure: SecureConfig{
			Dir: "secure",
		},
		Backend: BackendConfig{
			BaseURL:         "http://192.168.100.5:3000",
			TimeoutSeconds:  10,
			BreakerFailures: 5,
			BreakerOpenSec:  30,
		},
		MQTT: MQTTConfig{
			Port: 1883,
			Host: "localhost",
		},
	}
}

// Load reads config from a JSON, TOML or YAML file (chosen by extension),
// applies NOSARA_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// ApplyEnv overlays NOSARA_<SECTION>_<FIELD> environment variables.
func (c *Config) ApplyEnv() error {
	opts := env.Options{Prefix: "NOSARA_"}
	sections := []struct {
		prefix string
		target any
	}{
		{"SERVER_", &c.Server},
		{"STORAGE_", &c.Storage},
		{"QUEUE_", &c.Queue},
		{"CACHE_", &c.Cache},
		{"SYNC_", &c.Sync},
		{"CONNECTIVITY_", &c.Connectivity},
		{"SECURE_", &c.Secure},
		{"BACKEND_", &c.Backend},
		{"MQTT_", &c.MQTT},
	}
	for _, s := range sections {
		o := opts
		o.Prefix = opts.Prefix + s.prefix
		if err := env.ParseWithOptions(s.target, o); err != nil {
			return fmt.Errorf("apply env %s: %w", strings.TrimSuffix(s.prefix, "_"), err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config as JSON, TOML or YAML depending on the extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(c)
		data = []byte(sb.String())
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// Resolve joins p onto the data dir unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Server.DataDir, p)
}

// SyncInterval returns the foreground poll interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// BackgroundInterval returns the background task interval.
func (c *Config) BackgroundInterval() time.Duration {
	return time.Duration(c.Sync.BackgroundIntervalMinutes) * time.Minute
}

// RetryDelays converts the configured backoff table.
func (c *Config) RetryDelays() []time.Duration {
	out := make([]time.Duration, len(c.Queue.RetryDelaysMs))
	for i, ms := range c.Queue.RetryDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// CacheTTLs converts per-kind TTL overrides.
func (c *Config) CacheTTLs() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Cache.TTLSeconds))
	for k, s := range c.Cache.TTLSeconds {
		out[k] = time.Duration(s) * time.Second
	}
	return out
}
