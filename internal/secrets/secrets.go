// Package secrets keeps provider API keys and database DSNs in the OS
// credential store.
package secrets

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

const ServiceName = "askdb"

const KeyDatabaseDSN = "database_dsn"

var ErrNotFound = errors.New("secret not found")

type Store struct {
	mu   sync.RWMutex
	ring keyring.Keyring
}

// Open uses the platform's native credential backend.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:   ServiceName,
		PassPrefix:    ServiceName,
		WinCredPrefix: ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

func NewWithKeyring(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func ProviderKey(provider string) string {
	return "api_key_" + strings.ToLower(strings.TrimSpace(provider))
}

func (s *Store) SetAPIKey(provider, apiKey string) error {
	if strings.TrimSpace(provider) == "" {
		return fmt.Errorf("provider is required")
	}
	return s.set(ProviderKey(provider), apiKey)
}

func (s *Store) APIKey(provider string) (string, error) {
	return s.get(ProviderKey(provider))
}

func (s *Store) RemoveAPIKey(provider string) error {
	return s.remove(ProviderKey(provider))
}

func (s *Store) SetDatabaseDSN(dsn string) error {
	return s.set(KeyDatabaseDSN, dsn)
}

func (s *Store) DatabaseDSN() (string, error) {
	return s.get(KeyDatabaseDSN)
}

func (s *Store) RemoveDatabaseDSN() error {
	return s.remove(KeyDatabaseDSN)
}

func (s *Store) set(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: ServiceName + " " + key})
}

func (s *Store) get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if len(item.Data) == 0 {
		return "", ErrNotFound
	}
	return string(item.Data), nil
}

func (s *Store) remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}
