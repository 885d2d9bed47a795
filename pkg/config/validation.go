package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Struct tags cover ranges and enums; rules that span fields or depend on
// the selected backend live in validateCustomRules.
//
// Note: Case normalization is handled in ApplyDefaults, not here.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Server.Port == 0 {
		return fmt.Errorf("server.port: must be set")
	}
	if cfg.Server.Timeslot <= 0 {
		return fmt.Errorf("server.timeslot: must be positive")
	}
	if cfg.Server.IdleTicks <= 0 {
		return fmt.Errorf("server.idle_ticks: must be positive")
	}
	if cfg.Server.AcceptBurst > 0 && cfg.Server.AcceptRate == 0 {
		return fmt.Errorf("server.accept_burst: set without server.accept_rate")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics.port: %d is already used by server.port", cfg.Metrics.Port)
	}

	switch cfg.DocRoot.Type {
	case "filesystem":
		if path, _ := cfg.DocRoot.Filesystem["path"].(string); path == "" {
			return fmt.Errorf("docroot.filesystem.path: required for filesystem document root")
		}
	case "s3":
		if bucket, _ := cfg.DocRoot.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("docroot.s3.bucket: required for s3 document root")
		}
	}

	if cfg.Credentials.Type == "badger" {
		if path, _ := cfg.Credentials.Badger["db_path"].(string); path == "" {
			return fmt.Errorf("credentials.badger.db_path: required for badger store")
		}
	}

	// Seed user names must be unique
	names := make(map[string]bool)
	for i, u := range cfg.Credentials.SeedUsers {
		if names[u.Name] {
			return fmt.Errorf("credentials.seed_users[%d]: duplicate user name %q", i, u.Name)
		}
		names[u.Name] = true
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
