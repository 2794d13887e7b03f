package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Backup   BackupConfig   `yaml:"backup"`
}

// ClientConfig contains settings for the field client.
type ClientConfig struct {
	StatePath  string   `yaml:"state_path"`
	BackendURL string   `yaml:"backend_url"`
	DeviceID   string   `yaml:"device_id"`
	Timeout    Duration `yaml:"timeout"`
	Token      string   `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains sync orchestration settings.
type SyncConfig struct {
	Concurrency   int      `yaml:"concurrency"`
	RetryInterval Duration `yaml:"retry_interval"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// ServerConfig contains HTTP server settings for the reference backend.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	DeleteRateLimit int      `yaml:"delete_rate_limit"`
}

// DatabaseConfig contains reference backend database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackupConfig contains S3-compatible storage settings for state backups
// taken before a purge. An empty bucket disables backups.
type BackupConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
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

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// The result is not validated; callers that need secrets call Validate.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CANOPY_CONFIG_PATH", "config/canopy.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
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
	return cfg, nil
}

func newDefaults() *Config {
	useSSL := true
	return &Config{
		Client: ClientConfig{
			StatePath:  "data/canopy-state.db",
			BackendURL: "http://localhost:8080",
			Timeout:    Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Concurrency:   4,
			RetryInterval: Duration(5 * time.Minute),
			ProbeInterval: Duration(30 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DeleteRateLimit: 100,
		},
		Database: DatabaseConfig{
			Path: "data/canopy.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backup: BackupConfig{
			Region: "us-east-1",
			UseSSL: &useSSL,
		},
	}
}

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
	// Client
	if v := os.Getenv("CANOPY_STATE_PATH"); v != "" {
		cfg.Client.StatePath = v
	}
	if v := os.Getenv("CANOPY_BACKEND_URL"); v != "" {
		cfg.Client.BackendURL = v
	}
	if v := os.Getenv("CANOPY_DEVICE_ID"); v != "" {
		cfg.Client.DeviceID = v
	}
	envDuration("CANOPY_CLIENT_TIMEOUT", &cfg.Client.Timeout)
	if v := os.Getenv("CANOPY_TOKEN"); v != "" {
		cfg.Client.Token = v
	}

	// Sync
	envInt("CANOPY_SYNC_CONCURRENCY", &cfg.Sync.Concurrency)
	envDuration("CANOPY_SYNC_RETRY_INTERVAL", &cfg.Sync.RetryInterval)
	envDuration("CANOPY_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)
	envDuration("CANOPY_PROBE_TIMEOUT", &cfg.Sync.ProbeTimeout)

	// Server
	envInt("CANOPY_PORT", &cfg.Server.Port)
	envDuration("CANOPY_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("CANOPY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("CANOPY_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envInt("CANOPY_DELETE_RATE_LIMIT", &cfg.Server.DeleteRateLimit)

	// Database
	if v := os.Getenv("CANOPY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("CANOPY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("CANOPY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CANOPY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Backup
	if v := os.Getenv("CANOPY_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("CANOPY_S3_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("CANOPY_S3_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("CANOPY_S3_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("CANOPY_S3_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("CANOPY_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backup.UseSSL = &b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// ValidateServer checks the settings the reference backend needs.
// In dev mode (CANOPY_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if devMode() {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("CANOPY_API_KEY is required")
	}
	return nil
}

// ValidateClient checks the settings the field client needs.
// In dev mode (CANOPY_DEV_MODE=true), the token requirement is skipped.
func (c *Config) ValidateClient() error {
	if c.Client.StatePath == "" {
		return errors.New("client state path is required")
	}
	if c.Client.BackendURL == "" {
		return errors.New("client backend URL is required")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Backup.Bucket != "" && c.Backup.Endpoint == "" {
		return errors.New("backup endpoint is required when a backup bucket is set")
	}
	if devMode() {
		return nil
	}
	if c.Client.Token == "" {
		return errors.New("CANOPY_TOKEN is required")
	}
	return nil
}

func devMode() bool {
	return os.Getenv("CANOPY_DEV_MODE") == "true"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
