package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

// EnvConfig overrides the config file location when set.
const EnvConfig = "CIVICLAKE_CONFIG"

// Dir returns the directory holding the config file, ~/.civiclake by
// default.
func Dir() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return filepath.Dir(path)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".civiclake")
}

// File returns the config file path.
func File() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return path
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the configuration. A missing file returns an empty config so
// first-run commands like setup can proceed.
func Load() (*models.Config, error) {
	path := File()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &models.Config{}
		applyDefaults(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigNotFound, "Failed to read config file").
			WithContext("path", path)
	}

	var cfg models.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to parse config file").
			WithContext("path", path).
			WithSuggestions("Check the YAML syntax", "Regenerate with: civiclake setup")
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Save writes the configuration, creating the directory on first use.
func Save(cfg *models.Config) error {
	if err := os.MkdirAll(Dir(), 0o700); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to create config directory").
			WithContext("dir", Dir())
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to serialize config")
	}
	if err := os.WriteFile(File(), data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to write config file").
			WithContext("path", File())
	}
	return nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Backend == "local" && cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = filepath.Join(Dir(), "lake")
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = filepath.Join(Dir(), "watermarks.db")
	}
	if cfg.Pipeline.Timeout == "" {
		cfg.Pipeline.Timeout = "2h"
	}
	if cfg.Pipeline.MaxConcurrency == 0 {
		cfg.Pipeline.MaxConcurrency = 10
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.BackoffMultiplier == 0 {
		cfg.Pipeline.BackoffMultiplier = 2
	}
}
