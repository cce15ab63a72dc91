// Package tokens holds the device's credential pair and exchanges the
// refresh token for a new pair before the access token runs out.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

var (
	ErrNoCredentials   = errors.New("no access token configured")
	ErrNoRefreshToken  = errors.New("no refresh token")
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Credentials is the device's current token pair.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Options configures a Manager.
type Options struct {
	RefreshURL string
	File       string // persisted credentials; empty keeps them in memory only
	HTTPClient *http.Client
	// OnRotate is called after every successful replacement.
	OnRotate func(Credentials)
}

// Manager is safe for concurrent use. Concurrent refreshes collapse into a
// single request to the hub.
type Manager struct {
	refreshURL string
	path       string
	client     *http.Client
	onRotate   func(Credentials)
	logger     *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	creds Credentials
}

// NewManager builds a Manager from the configured credentials. Credentials
// persisted in opts.File take precedence over initial.
func NewManager(initial Credentials, opts Options, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		refreshURL: opts.RefreshURL,
		path:       opts.File,
		client:     opts.HTTPClient,
		onRotate:   opts.OnRotate,
		logger:     logger.With("component", "tokens"),
		creds:      initial,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 15 * time.Second}
	}

	if m.path != "" {
		stored, err := readFile(m.path)
		if err != nil {
			return nil, err
		}
		if stored.AccessToken != "" {
			m.creds = stored
		}
	}
	if m.creds.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	if m.creds.ExpiresAt.IsZero() {
		m.creds.ExpiresAt = expiryOf(m.creds.AccessToken)
	}
	return m, nil
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.AccessToken
}

// Current returns a copy of the current credentials.
func (m *Manager) Current() Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// ExpiresWithin reports whether the access token expires within d. Tokens
// without a known expiry never report true.
func (m *Manager) ExpiresWithin(d time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(m.creds.ExpiresAt) < d
}

// Refresh exchanges the refresh token for a new pair.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.RLock()
	refreshToken := m.creds.RefreshToken
	m.mu.RUnlock()
	if refreshToken == "" {
		return ErrNoRefreshToken
	}
	if m.refreshURL == "" {
		return fmt.Errorf("refresh: no refresh url configured")
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("refresh: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var issued protocol.CredentialsIssued
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return fmt.Errorf("refresh: decode response: %w", err)
	}
	if err := m.Replace(issued); err != nil {
		return err
	}
	m.logger.Info("access token refreshed")
	return nil
}

// Replace installs a newly issued pair, persisting it when a file is
// configured. A missing refresh token keeps the previous one.
func (m *Manager) Replace(issued protocol.CredentialsIssued) error {
	if issued.AccessToken == "" {
		return fmt.Errorf("replace credentials: %w", ErrNoCredentials)
	}
	next := Credentials{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    issued.ExpiresAt,
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = expiryOf(next.AccessToken)
	}

	m.mu.Lock()
	if next.RefreshToken == "" {
		next.RefreshToken = m.creds.RefreshToken
	}
	m.creds = next
	m.mu.Unlock()

	if err := m.persist(next); err != nil {
		m.logger.Error("persist credentials failed", "error", err, "path", m.path)
	}
	if m.onRotate != nil {
		m.onRotate(next)
	}
	return nil
}

func (m *Manager) persist(c Credentials) error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, m.path)
}

func readFile(path string) (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse credentials: %w", err)
	}
	return c, nil
}

// expiryOf reads the exp claim without verifying the signature; the hub is
// the only party that validates tokens.
func expiryOf(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
