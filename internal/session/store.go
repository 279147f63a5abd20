// Package session stores the bearer credential the realtime connection is
// authorized with and signals when it changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultKey is the storage key the credential lives under.
const DefaultKey = "access_token"

// Backend names a Store implementation.
type Backend string

const (
	BackendDatabase Backend = "database"
	BackendFile     Backend = "file"
	BackendKeyring  Backend = "keyring"
)

var errUnknownBackend = errors.New("session: unknown backend")

// ParseBackend validates a configured backend name.
func ParseBackend(value string) (Backend, error) {
	switch backend := Backend(strings.ToLower(strings.TrimSpace(value))); backend {
	case BackendDatabase, BackendFile, BackendKeyring:
		return backend, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownBackend, value)
	}
}

// Store holds the session credential. Token returns "" when no credential is
// present. Changes fires after every in-process SetToken or Clear, and after
// external mutations for backends that can observe them.
type Store interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
	Changes() <-chan struct{}
	Close() error
}

// StoreError carries an operation code alongside the storage failure.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opToken    = "session.token"
	opSetToken = "session.set_token"
	opClear    = "session.clear"
	opOpen     = "session.open"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// changeSignal coalesces change notifications for a single listener.
type changeSignal struct {
	ch chan struct{}
}

func newChangeSignal() *changeSignal {
	return &changeSignal{ch: make(chan struct{}, 1)}
}

func (s *changeSignal) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *changeSignal) Changes() <-chan struct{} {
	return s.ch
}

func normalizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return DefaultKey
	}
	return trimmed
}
