// Package auth stores the bearer token used to talk to the JobLog backend.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoToken is returned by Login when the token is blank.
var ErrNoToken = errors.New("token is empty")

// Credentials is the on-disk credentials file.
type Credentials struct {
	Token     string `json:"token"`
	APIURL    string `json:"api_url,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Manager handles the credentials file.
type Manager struct {
	configDir   string
	credentials *Credentials
	mu          sync.RWMutex
}

// DefaultConfigDir returns ~/.config/joblog.
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "joblog"), nil
}

// NewManager creates a new auth manager rooted at configDir and loads any
// existing credentials.
func NewManager(configDir string) (*Manager, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{configDir: configDir}
	if err := m.loadCredentials(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return m, nil
}

// IsAuthenticated reports whether a token is stored.
func (m *Manager) IsAuthenticated() bool {
	return m.Token() != ""
}

// Token returns the stored bearer token, or "".
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.credentials == nil {
		return ""
	}
	return m.credentials.Token
}

// Credentials returns a copy of the stored credentials.
func (m *Manager) Credentials() *Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.credentials == nil {
		return nil
	}
	c := *m.credentials
	return &c
}

// Login stores token for apiURL.
func (m *Manager) Login(token, apiURL string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	m.credentials = &Credentials{
		Token:     token,
		APIURL:    apiURL,
		CreatedAt: time.Now().Unix(),
	}
	m.mu.Unlock()

	if err := m.saveCredentials(); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Logout clears the stored token.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.credentials = nil
	m.mu.Unlock()

	if err := os.Remove(m.credentialsPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

func (m *Manager) credentialsPath() string {
	return filepath.Join(m.configDir, "credentials.json")
}

func (m *Manager) loadCredentials() error {
	data, err := os.ReadFile(m.credentialsPath())
	if err != nil {
		return err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}

	m.mu.Lock()
	m.credentials = &creds
	m.mu.Unlock()
	return nil
}

func (m *Manager) saveCredentials() error {
	m.mu.RLock()
	creds := m.credentials
	m.mu.RUnlock()

	if creds == nil {
		return nil
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.credentialsPath(), data, 0600)
}
