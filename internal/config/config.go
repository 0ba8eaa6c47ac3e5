package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Database DatabaseConfig        `yaml:"database"`
	Remote   RemoteConfig          `yaml:"remote"`
	Sync     SyncConfig            `yaml:"sync"`
	Auth     AuthConfig            `yaml:"auth"`
	Worker   WorkerConfig          `yaml:"worker"`
	Snapshot SnapshotStorageConfig `yaml:"snapshot"`
	Log      LogConfig             `yaml:"log"`
}

// ServerConfig contains HTTP server settings for `cadenza serve`.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains the remote endpoint the sync engine talks to.
type RemoteConfig struct {
	URL            string   `yaml:"url"`
	Token          string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SyncConfig contains sync engine tuning knobs.
type SyncConfig struct {
	PushInterval    Duration `yaml:"push_interval"`
	PullInterval    Duration `yaml:"pull_interval"`
	PingInterval    Duration `yaml:"ping_interval"`
	PushBatchSize   int      `yaml:"push_batch_size"`
	PushConcurrency int      `yaml:"push_concurrency"`
	PullLimit       int      `yaml:"pull_limit"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max"`
}

// AuthConfig contains authentication settings for the server.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// SnapshotStorageConfig contains S3-compatible snapshot storage settings.
// An empty bucket disables snapshot uploads.
type SnapshotStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    bool   `yaml:"use_ssl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CADENZA_CONFIG_PATH", "config/cadenza.yaml")

	// Missing file is not an error; defaults apply
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/cadenza.db",
		},
		Remote: RemoteConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			PushInterval:    Duration(15 * time.Second),
			PullInterval:    Duration(1 * time.Minute),
			PingInterval:    Duration(10 * time.Second),
			PushBatchSize:   100,
			PushConcurrency: 4,
			PullLimit:       500,
			MaxAttempts:     10,
			BackoffBase:     Duration(1 * time.Second),
			BackoffMax:      Duration(5 * time.Minute),
		},
		Worker: WorkerConfig{
			SnapshotInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CADENZA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CADENZA_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CADENZA_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CADENZA_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("CADENZA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("CADENZA_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("CADENZA_REMOTE_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := os.Getenv("CADENZA_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.RequestTimeout = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("CADENZA_PUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PushInterval = Duration(d)
		}
	}
	if v := os.Getenv("CADENZA_PULL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PullInterval = Duration(d)
		}
	}
	if v := os.Getenv("CADENZA_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PingInterval = Duration(d)
		}
	}
	if v := os.Getenv("CADENZA_PUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushBatchSize = n
		}
	}
	if v := os.Getenv("CADENZA_PUSH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushConcurrency = n
		}
	}
	if v := os.Getenv("CADENZA_PULL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullLimit = n
		}
	}
	if v := os.Getenv("CADENZA_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}

	// Auth
	if v := os.Getenv("CADENZA_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Worker
	if v := os.Getenv("CADENZA_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SnapshotInterval = Duration(d)
		}
	}

	// Snapshot storage
	if v := os.Getenv("CADENZA_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("CADENZA_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("CADENZA_SNAPSHOT_PREFIX"); v != "" {
		cfg.Snapshot.Prefix = v
	}
	if v := os.Getenv("CADENZA_SNAPSHOT_REGION"); v != "" {
		cfg.Snapshot.Region = v
	}
	if v := os.Getenv("CADENZA_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("CADENZA_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}
	if v := os.Getenv("CADENZA_SNAPSHOT_USE_SSL"); v != "" {
		cfg.Snapshot.UseSSL = v == "true" || v == "1"
	}

	// Log
	if v := os.Getenv("CADENZA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CADENZA_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are sensible.
func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sync.PushBatchSize < 1 {
		return fmt.Errorf("sync.push_batch_size must be at least 1")
	}
	if c.Sync.PushConcurrency < 1 {
		return fmt.Errorf("sync.push_concurrency must be at least 1")
	}
	if c.Sync.PullLimit < 1 {
		return fmt.Errorf("sync.pull_limit must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Snapshot.Bucket != "" {
		if c.Snapshot.Endpoint == "" {
			return fmt.Errorf("snapshot.endpoint is required when snapshot.bucket is set")
		}
		if c.Snapshot.AccessKey == "" || c.Snapshot.SecretKey == "" {
			return fmt.Errorf("CADENZA_SNAPSHOT_ACCESS_KEY and CADENZA_SNAPSHOT_SECRET_KEY are required when snapshot.bucket is set")
		}
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
