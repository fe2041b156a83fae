package config

import (
	"github.com/zalando/go-keyring"

	"civiclake/pkg/errors"
	"civiclake/pkg/models"
)

const keyringService = "civiclake"

// StorageSecret resolves the object-store secret key: the config value when
// present, otherwise the OS keyring entry for the access key.
func StorageSecret(cfg models.Storage) (string, error) {
	if cfg.SecretKey != "" {
		return cfg.SecretKey, nil
	}
	if !cfg.UseKeyring {
		return "", nil
	}

	secret, err := keyring.Get(keyringService, cfg.AccessKey)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeConfigMissing, "Storage secret not found in keyring").
			WithContext("access_key", cfg.AccessKey).
			WithSuggestions(
				"Store it with: civiclake setup",
				"Or set storage.secret_key in the config file",
			)
	}
	return secret, nil
}

// StoreStorageSecret saves the object-store secret in the OS keyring so the
// config file never carries it.
func StoreStorageSecret(accessKey, secret string) error {
	if err := keyring.Set(keyringService, accessKey, secret); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to store secret in keyring").
			WithContext("access_key", accessKey)
	}
	return nil
}
