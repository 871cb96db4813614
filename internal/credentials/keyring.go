package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// systemKeyring is the OS-native keyring implementation.
type systemKeyring struct{}

func (s *systemKeyring) Set(service, account, password string) error {
	return keyring.Set(service, account, password)
}

func (s *systemKeyring) Get(service, account string) (string, error) {
	token, err := keyring.Get(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("token not found for %s/%s", service, account)
	}
	return token, err
}

func (s *systemKeyring) Delete(service, account string) error {
	err := keyring.Delete(service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("token not found for %s/%s", service, account)
	}
	return err
}

// MockKeyring is an in-memory Keyring for tests.
type MockKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> account -> token
}

// NewMockKeyring creates an empty mock keyring.
func NewMockKeyring() *MockKeyring {
	return &MockKeyring{
		store: make(map[string]map[string]string),
	}
}

// Set stores a token.
func (m *MockKeyring) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store[service] == nil {
		m.store[service] = make(map[string]string)
	}
	m.store[service][account] = password
	return nil
}

// Get retrieves a token.
func (m *MockKeyring) Get(service, account string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if accounts, ok := m.store[service]; ok {
		if token, ok := accounts[account]; ok {
			return token, nil
		}
	}
	return "", fmt.Errorf("token not found for %s/%s", service, account)
}

// Delete removes a token.
func (m *MockKeyring) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accounts, ok := m.store[service]; ok {
		if _, ok := accounts[account]; ok {
			delete(accounts, account)
			return nil
		}
	}
	return fmt.Errorf("token not found for %s/%s", service, account)
}
