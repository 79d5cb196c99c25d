package config

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS keyring service name under which Attena
// secrets are stored.
const keyringService = "attena"

// Keyring secret names.
const (
	KeyLLMAPIKey    = "llm_api_key"
	KeyGoogleAPIKey = "google_api_key"
	KeyCalAPIKey    = "cal_api_key"
)

// SetSecret stores a secret in the OS keyring.
func SetSecret(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing secret %s: %w", key, err)
	}
	return nil
}

// GetSecret reads a secret from the OS keyring.
func GetSecret(key string) (string, error) {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", key, err)
	}
	return val, nil
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(key string) error {
	if err := keyring.Delete(keyringService, key); err != nil {
		return fmt.Errorf("deleting secret %s: %w", key, err)
	}
	return nil
}

// KeyringAvailable probes whether an OS keyring backend is usable by
// writing and deleting a test entry.
func KeyringAvailable() bool {
	const probe = "availability_probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}
