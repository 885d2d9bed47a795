package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoWeb Configuration File
#
# Every key can be overridden with an environment variable:
# DITTOWEB_<SECTION>_<KEY>, for example DITTOWEB_SERVER_PORT=8080.
#
`

// InitConfig writes a sample configuration with default values to the
// default location and returns its path.
//
// Fails if the file exists, unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateYAMLWithComments renders cfg one section at a time, each preceded
// by a short comment. Keys follow the mapstructure tags so the output reads
// back through Load unchanged.
func generateYAMLWithComments(cfg *Config) (string, error) {
	sections := []struct {
		key     string
		comment string
		value   any
	}{
		{"logging", "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr, path)", cfg.Logging},
		{"server", "HTTP event loop: triggers are level or edge, dispatch is proactor or reactor", cfg.Server},
		{"workers", "Worker goroutines and task queue capacity", cfg.Workers},
		{"docroot", "Static pages: filesystem (path) or s3 (region, bucket, key_prefix, endpoint, cache_dir)", cfg.DocRoot},
		{"credentials", "Users for the login forms: memory or badger (db_path)", cfg.Credentials},
		{"metrics", "Prometheus endpoint", cfg.Metrics},
	}

	var b strings.Builder
	b.WriteString(configHeader)

	for i, s := range sections {
		var fields map[string]any
		if err := mapstructure.Decode(s.value, &fields); err != nil {
			return "", fmt.Errorf("failed to encode %s section: %w", s.key, err)
		}

		out, err := yaml.Marshal(map[string]any{s.key: fields})
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s section: %w", s.key, err)
		}

		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# %s\n", s.comment)
		b.Write(out)
	}

	return b.String(), nil
}
