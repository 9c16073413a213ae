package secrets

import (
	"context"

	"github.com/zalando/go-keyring"

	"github.com/blockflow/blockflow/pkg/errors"
)

// KeyringBackend resolves secrets from the OS keychain (macOS Keychain,
// Secret Service on Linux, Credential Manager on Windows).
type KeyringBackend struct {
	service string
}

// NewKeyringBackend creates a keychain backend. An empty service name uses
// "blockflow".
func NewKeyringBackend(service string) *KeyringBackend {
	if service == "" {
		service = "blockflow"
	}
	return &KeyringBackend{service: service}
}

// Name implements Backend.
func (k *KeyringBackend) Name() string { return "keyring" }

// Get implements Backend.
func (k *KeyringBackend) Get(_ context.Context, key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", errors.Wrap(ErrNotFound, key)
		}
		return "", errors.Wrap(ErrUnavailable, err.Error())
	}
	return value, nil
}

// Available implements Backend. The keychain is probed lazily; a headless
// host without a keychain daemon surfaces as ErrUnavailable on Get.
func (k *KeyringBackend) Available() bool { return true }

// Priority implements Backend.
func (k *KeyringBackend) Priority() int { return KeyringBackendPriority }

var _ Backend = (*KeyringBackend)(nil)
