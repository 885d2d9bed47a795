package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittoweb/pkg/adapter/web"
	"github.com/spf13/viper"
)

// Config represents the complete DittoWeb configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOWEB_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Backend sections follow one pattern: a Type field picks the implementation
// and a map named after each type carries its settings. Only the section
// matching Type is decoded, by the factory for that type.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server configures the HTTP event loop. The web adapter's own config
	// type is used directly.
	Server web.WebConfig `mapstructure:"server"`

	// Workers sizes the worker pool
	Workers WorkersConfig `mapstructure:"workers"`

	// DocRoot selects where static pages come from
	DocRoot DocRootConfig `mapstructure:"docroot"`

	// Credentials selects the user store behind the login forms
	Credentials CredentialsConfig `mapstructure:"credentials"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`

	// AsyncQueueSize enables the asynchronous writer with a queue of this
	// many lines. 0 writes synchronously.
	AsyncQueueSize int `mapstructure:"async_queue_size" validate:"min=0"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	// Count is the number of worker goroutines
	Count int `mapstructure:"count" validate:"required,gt=0"`

	// MaxRequests is the task queue capacity. Work beyond it is rejected.
	MaxRequests int `mapstructure:"max_requests" validate:"required,gt=0"`
}

// DocRootConfig selects the document root source.
type DocRootConfig struct {
	// Type specifies the source
	// Valid values: filesystem, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem s3"`

	// Filesystem options: path
	Filesystem map[string]any `mapstructure:"filesystem"`

	// S3 options: region, bucket, key_prefix, endpoint, access_key_id,
	// secret_access_key, max_retries, cache_dir
	S3 map[string]any `mapstructure:"s3"`
}

// CredentialsConfig selects the user store.
type CredentialsConfig struct {
	// Type specifies the store implementation
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// PoolSize bounds concurrent store access
	PoolSize int `mapstructure:"pool_size" validate:"required,gt=0"`

	// BcryptCost is the work factor for stored password hashes
	BcryptCost int `mapstructure:"bcrypt_cost" validate:"required,min=4,max=31"`

	// AuthTimeout bounds one login or registration. 0 means no limit.
	AuthTimeout time.Duration `mapstructure:"auth_timeout" validate:"min=0"`

	// Memory options (none today)
	Memory map[string]any `mapstructure:"memory"`

	// Badger options: db_path
	Badger map[string]any `mapstructure:"badger"`

	// SeedUsers are registered at startup when absent
	SeedUsers []SeedUserConfig `mapstructure:"seed_users" validate:"dive"`
}

// SeedUserConfig is one account created at startup.
type SeedUserConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on collection and the /metrics HTTP server
	Enabled bool `mapstructure:"enabled"`

	// Port is the metrics HTTP port
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// Load reads configuration from configPath (or the default location when
// empty), overlays DITTOWEB_* environment variables, applies defaults and
// validates the result. A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use DITTOWEB_ prefix and underscores
	// Example: DITTOWEB_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/dittoweb/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		// Other errors are problems
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittoweb")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "dittoweb")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
