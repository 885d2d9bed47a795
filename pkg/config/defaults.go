package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittoweb/pkg/adapter/web"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced; explicit values are preserved. String enums are
// normalized so validation can compare them directly.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyWorkersDefaults(&cfg.Workers)
	applyDocRootDefaults(&cfg.DocRoot)
	applyCredentialsDefaults(&cfg.Credentials)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	cfg.Format = strings.ToLower(cfg.Format)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *web.WebConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9006
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 65536
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = 10000
	}

	if cfg.ListenTrigger == "" {
		cfg.ListenTrigger = web.TriggerLevel
	}
	cfg.ListenTrigger = strings.ToLower(cfg.ListenTrigger)

	if cfg.ConnTrigger == "" {
		cfg.ConnTrigger = web.TriggerLevel
	}
	cfg.ConnTrigger = strings.ToLower(cfg.ConnTrigger)

	if cfg.Dispatch == "" {
		cfg.Dispatch = web.DispatchProactor
	}
	cfg.Dispatch = strings.ToLower(cfg.Dispatch)

	if cfg.Timeslot == 0 {
		cfg.Timeslot = 5 * time.Second
	}
	if cfg.IdleTicks == 0 {
		cfg.IdleTicks = 3
	}
	// AcceptRate and AcceptBurst default to 0 (unlimited)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyWorkersDefaults(cfg *WorkersConfig) {
	if cfg.Count == 0 {
		cfg.Count = 8
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 10000
	}
}

// applyDocRootDefaults sets document root defaults.
func applyDocRootDefaults(cfg *DocRootConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	cfg.Type = strings.ToLower(cfg.Type)

	// Initialize maps if nil
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = "./root"
	}
}

// applyCredentialsDefaults sets credential store defaults.
func applyCredentialsDefaults(cfg *CredentialsConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	cfg.Type = strings.ToLower(cfg.Type)

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 8
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 10
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/dittoweb-credentials"
	}

	if cfg.SeedUsers == nil {
		cfg.SeedUsers = []SeedUserConfig{}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
