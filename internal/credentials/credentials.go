// Package credentials stores the remote API token in the OS-native keyring,
// falling back to environment variables for headless setups.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"sheetbox/internal/utils"
)

// Source indicates where a token was retrieved from.
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// Service is the keyring service name under which tokens are stored.
const Service = "sheetbox"

// Environment variables checked when the keyring has no token.
const (
	EnvToken    = "SHEETBOX_API_TOKEN"
	EnvUsername = "SHEETBOX_USERNAME"
)

// TokenInfo is the result of a Get lookup.
type TokenInfo struct {
	Source   Source
	Username string
	Token    string
	Found    bool
}

// JSON serializes the token info with the token itself excluded.
func (t *TokenInfo) JSON() ([]byte, error) {
	output := struct {
		Username string `json:"username"`
		Source   string `json:"source"`
		Found    bool   `json:"found"`
	}{
		Username: t.Username,
		Source:   string(t.Source),
		Found:    t.Found,
	}
	return json.Marshal(output)
}

// Keyring is the interface over keyring operations, injected so tests avoid
// the OS keyring.
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles token storage and lookup.
type Manager struct {
	keyring Keyring
}

// ManagerOption is a functional option for Manager.
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation.
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a credential manager backed by the system keyring.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeUser(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Set stores an API token in the keyring.
func (m *Manager) Set(_ context.Context, username, token string) error {
	return m.keyring.Set(Service, normalizeUser(username), token)
}

// Get retrieves the API token, preferring the keyring over environment
// variables. A missing token is not an error; check Found.
func (m *Manager) Get(_ context.Context, username string) (*TokenInfo, error) {
	username = normalizeUser(username)

	token, err := m.keyring.Get(Service, username)
	if err == nil && token != "" {
		return &TokenInfo{
			Source:   SourceKeyring,
			Username: username,
			Token:    token,
			Found:    true,
		}, nil
	}

	if token := m.envToken(username); token != "" {
		return &TokenInfo{
			Source:   SourceEnvironment,
			Username: username,
			Token:    token,
			Found:    true,
		}, nil
	}

	return &TokenInfo{
		Source:   SourceNone,
		Username: username,
		Found:    false,
	}, nil
}

// Require is Get for callers that cannot proceed without a token.
func (m *Manager) Require(ctx context.Context, username string) (*TokenInfo, error) {
	info, err := m.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if !info.Found {
		return nil, utils.ErrCredentialsNotFound(username)
	}
	return info, nil
}

// envToken reads the token from the environment. When SHEETBOX_USERNAME is
// set it must match the requested username, so a shared shell profile cannot
// leak one user's token to another account.
func (m *Manager) envToken(username string) string {
	token := os.Getenv(EnvToken)
	if token == "" {
		return ""
	}
	if envUser := normalizeUser(os.Getenv(EnvUsername)); envUser != "" && envUser != username {
		return ""
	}
	return token
}

// Delete removes the token from the keyring. Deleting a missing token is a
// no-op.
func (m *Manager) Delete(_ context.Context, username string) error {
	err := m.keyring.Delete(Service, normalizeUser(username))
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// Describe returns a display string for status output.
func (t *TokenInfo) Describe() string {
	if !t.Found {
		return fmt.Sprintf("%s: no token", t.Username)
	}
	return fmt.Sprintf("%s: token from %s", t.Username, t.Source)
}
