package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// KeyringService is the service name entries are filed under in the OS
// keyring (Secret Service, Keychain, Credential Manager).
const KeyringService = "bookforge"

// KeyringResolver reads keys from the OS keyring. Entries are named after
// the provider's env variable, e.g. OPENAI_API_KEY.
type KeyringResolver struct {
	service string
}

// NewKeyringResolver uses KeyringService.
func NewKeyringResolver() *KeyringResolver {
	return &KeyringResolver{service: KeyringService}
}

// Resolve implements Resolver.
func (k *KeyringResolver) Resolve(_ context.Context, id providers.ID) (string, error) {
	name, ok := keyName(id)
	if !ok {
		return "", nil
	}
	val, err := keyring.Get(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup %s: %w", name, err)
	}
	return val, nil
}

// Store saves key for id in the keyring.
func (k *KeyringResolver) Store(id providers.ID, key string) error {
	name, ok := keyName(id)
	if !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	return keyring.Set(k.service, name, key)
}

// Delete removes the keyring entry for id. Deleting a missing entry is not
// an error.
func (k *KeyringResolver) Delete(id providers.ID) error {
	name, ok := keyName(id)
	if !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	if err := keyring.Delete(k.service, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__bookforge_availability__"
	if err := keyring.Set(KeyringService, testKey, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, testKey)
	return true
}
