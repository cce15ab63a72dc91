package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "device",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// refreshServer answers POST /api/auth/refresh with issued for the
// expected refresh token, and 401 otherwise.
func refreshServer(t *testing.T, expected string, issued protocol.CredentialsIssued, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.Method != http.MethodPost || req.RefreshToken != expected {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(issued)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewManagerReadsExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(time.Minute).Truncate(time.Second)
	m, err := NewManager(Credentials{AccessToken: signedToken(t, exp)}, Options{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if !m.Current().ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, m.Current().ExpiresAt)
	}
	if !m.ExpiresWithin(2 * time.Minute) {
		t.Error("token expiring in 1m should be within a 2m margin")
	}
	if m.ExpiresWithin(30 * time.Second) {
		t.Error("token expiring in 1m should not be within a 30s margin")
	}
}

func TestOpaqueTokenNeverExpires(t *testing.T) {
	m, err := NewManager(Credentials{AccessToken: "opaque"}, Options{}, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.ExpiresWithin(time.Hour) {
		t.Error("token without a known expiry should never report expiring")
	}
}

func TestNewManagerRequiresAccessToken(t *testing.T) {
	_, err := NewManager(Credentials{}, Options{}, testLogger())
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestRefreshReplacesCredentials(t *testing.T) {
	issued := protocol.CredentialsIssued{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	srv := refreshServer(t, "old-refresh", issued, nil)

	var rotated Credentials
	m, err := NewManager(Credentials{AccessToken: "old", RefreshToken: "old-refresh"}, Options{
		RefreshURL: srv.URL,
		OnRotate:   func(c Credentials) { rotated = c },
	}, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if m.AccessToken() != "new-access" {
		t.Errorf("expected new access token, got %s", m.AccessToken())
	}
	if m.Current().RefreshToken != "new-refresh" {
		t.Errorf("expected new refresh token, got %s", m.Current().RefreshToken)
	}
	if rotated.AccessToken != "new-access" {
		t.Errorf("OnRotate not called with the new pair: %+v", rotated)
	}
}

func TestRefreshRejected(t *testing.T) {
	srv := refreshServer(t, "valid", protocol.CredentialsIssued{AccessToken: "x"}, nil)
	m, _ := NewManager(Credentials{AccessToken: "a", RefreshToken: "stale"}, Options{RefreshURL: srv.URL}, testLogger())

	err := m.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected ErrRefreshRejected, got %v", err)
	}
	if m.AccessToken() != "a" {
		t.Error("rejected refresh must keep the current token")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m, _ := NewManager(Credentials{AccessToken: "a"}, Options{RefreshURL: "http://127.0.0.1:1"}, testLogger())
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	var calls atomic.Int32
	srv := refreshServer(t, "r", protocol.CredentialsIssued{AccessToken: "n", RefreshToken: "r2"}, &calls)
	m, _ := NewManager(Credentials{AccessToken: "a", RefreshToken: "r"}, Options{RefreshURL: srv.URL}, testLogger())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = m.Refresh(context.Background())
		}()
	}
	close(start)
	wg.Wait()

	// Late arrivals may start a second flight with the rotated token, which
	// the server rejects; either way far fewer than eight requests go out.
	if n := calls.Load(); n > 2 {
		t.Errorf("expected concurrent refreshes to collapse, got %d requests", n)
	}
	if m.AccessToken() != "n" {
		t.Errorf("expected rotated token, got %s", m.AccessToken())
	}
}

func TestReplaceKeepsRefreshTokenAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "credentials.json")
	m, err := NewManager(Credentials{AccessToken: "a", RefreshToken: "keep"}, Options{File: path}, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Replace(protocol.CredentialsIssued{AccessToken: "b"}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if m.Current().RefreshToken != "keep" {
		t.Errorf("expected refresh token to be kept, got %q", m.Current().RefreshToken)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("credentials file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	// A fresh manager prefers the persisted pair over configured tokens.
	reloaded, err := NewManager(Credentials{AccessToken: "configured"}, Options{File: path}, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Current(); got.AccessToken != "b" || got.RefreshToken != "keep" {
		t.Errorf("unexpected reloaded credentials: %+v", got)
	}
}

func TestReplaceRejectsEmptyToken(t *testing.T) {
	m, _ := NewManager(Credentials{AccessToken: "a"}, Options{}, testLogger())
	if err := m.Replace(protocol.CredentialsIssued{}); err == nil {
		t.Fatal("expected error for empty access token")
	}
	if m.AccessToken() != "a" {
		t.Error("failed replace must keep the current token")
	}
}
