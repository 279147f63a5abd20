package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const keyringServiceName = "fieldops-console"

var errMissingKeyring = errors.New("keyring is required")

// OpenKeyring opens the system keyring, falling back to an encrypted file
// under fileDir when no native backend is available.
func OpenKeyring(fileDir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringStoreConfig configures a keyring-backed Store.
type KeyringStoreConfig struct {
	Keyring keyring.Keyring
	Key     string
}

// KeyringStore keeps the credential in the OS keyring.
type KeyringStore struct {
	ring   keyring.Keyring
	key    string
	signal *changeSignal
}

// NewKeyringStore constructs a KeyringStore.
func NewKeyringStore(cfg KeyringStoreConfig) (*KeyringStore, error) {
	if cfg.Keyring == nil {
		return nil, newStoreError(opOpen, "missing_keyring", errMissingKeyring)
	}
	return &KeyringStore{
		ring:   cfg.Keyring,
		key:    normalizeKey(cfg.Key),
		signal: newChangeSignal(),
	}, nil
}

func (s *KeyringStore) Token(_ context.Context) (string, error) {
	item, err := s.ring.Get(s.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", newStoreError(opToken, "get_failed", err)
	}
	return strings.TrimSpace(string(item.Data)), nil
}

func (s *KeyringStore) SetToken(ctx context.Context, token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return s.Clear(ctx)
	}
	if err := s.ring.Set(keyring.Item{Key: s.key, Data: []byte(trimmed)}); err != nil {
		return newStoreError(opSetToken, "set_failed", err)
	}
	s.signal.notify()
	return nil
}

func (s *KeyringStore) Clear(_ context.Context) error {
	if err := s.ring.Remove(s.key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return newStoreError(opClear, "remove_failed", err)
	}
	s.signal.notify()
	return nil
}

func (s *KeyringStore) Changes() <-chan struct{} {
	return s.signal.Changes()
}

func (s *KeyringStore) Close() error {
	return nil
}
