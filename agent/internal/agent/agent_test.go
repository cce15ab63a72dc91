package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetrelay/fleetrelay/agent/internal/config"
	"github.com/fleetrelay/fleetrelay/agent/internal/ipc"
	"github.com/fleetrelay/fleetrelay/agent/internal/relay"
	"github.com/fleetrelay/fleetrelay/hub/api"
	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	hubconfig "github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/router"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testHub is a single hub instance backed by SQLite and an in-memory
// backplane.
type testHub struct {
	srv  *httptest.Server
	auth *auth.Service
}

func startHub(t *testing.T) *testHub {
	t.Helper()
	logger := testLogger()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &hubconfig.Config{
		Server: hubconfig.ServerConfig{AllowedOrigins: []string{"*"}, MaxBodyBytes: 1 << 20},
		Auth: hubconfig.AuthConfig{
			JWTSecret:          "test-secret-at-least-32-chars-long",
			JWTExpiry:          hubconfig.Duration{Duration: time.Hour},
			DeviceTokenExpiry:  hubconfig.Duration{Duration: time.Hour},
			RefreshTokenExpiry: hubconfig.Duration{Duration: 24 * time.Hour},
		},
		RateLimit: hubconfig.RateLimitConfig{RequestsPerSecond: 100, Burst: 200},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	reg := prometheus.NewRegistry()
	rt := router.New(authSvc, s, router.Options{BatchTimeout: 2 * time.Second, Registerer: reg, Logger: logger})
	node := backplane.NewMemoryBus().NewNode(rt.HandleBackplane, 64, logger)
	if err := rt.Start(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(api.NewServer(s, authSvc, authSvc, rt, cfg, reg, logger).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = node.Close()
	})
	t.Cleanup(rt.Close)
	return &testHub{srv: srv, auth: authSvc}
}

func (h *testHub) userToken(t *testing.T) string {
	t.Helper()
	name := "op-" + uuid.New().String()[:8]
	if _, err := h.auth.Register(context.Background(), uuid.New().String(), name, "testpassword123", "admin"); err != nil {
		t.Fatal(err)
	}
	token, err := h.auth.Login(context.Background(), name, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (h *testHub) post(t *testing.T, path, token string, body, out any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

type enrollment struct {
	Device      store.Device               `json:"device"`
	Credentials protocol.CredentialsIssued `json:"credentials"`
}

func (h *testHub) enroll(t *testing.T, userToken string) enrollment {
	t.Helper()
	var out enrollment
	if code := h.post(t, "/api/devices", userToken, map[string]string{"name": "kiosk-" + uuid.New().String()[:6]}, &out); code != http.StatusCreated {
		t.Fatalf("enroll status = %d", code)
	}
	return out
}

// agentConfig writes and loads an agent config pointing at the hub.
func (h *testHub) agentConfig(t *testing.T, creds protocol.CredentialsIssued, extra string) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "fa")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	raw := fmt.Sprintf(`{
		"hub": {"url": %q, "reconnect_interval": "20ms", "max_reconnect_delay": "100ms"%s},
		"credentials": {"access_token": %q, "refresh_token": %q, "file": %q},
		"device": {"name": "kiosk"},
		"executor": {"control_dry_run": true, "control_delay": "10ms"},
		"status_socket": %q
	}`,
		"ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws", extra,
		creds.AccessToken, creds.RefreshToken, filepath.Join(dir, "credentials.json"),
		filepath.Join(dir, "agent.sock"),
	)
	path := filepath.Join(dir, "agent-config.json")
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	a, err := New(cfg, "test", nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchThroughHub(t *testing.T) {
	hub := startHub(t)
	user := hub.userToken(t)
	dev := hub.enroll(t, user)
	a := startAgent(t, hub.agentConfig(t, dev.Credentials, ""))

	waitFor(t, "agent connection", func() bool { return a.relay.State() == relay.StateConnected })

	var result protocol.BatchResult
	code := hub.post(t, "/api/commands", user, protocol.DispatchRequest{
		Kind:      protocol.CommandPing,
		DeviceIDs: []string{dev.Device.ID},
	}, &result)
	if code != http.StatusOK {
		t.Fatalf("dispatch status = %d", code)
	}
	if len(result.Results) != 1 || result.Results[0].Outcome != protocol.OutcomeSuccess {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	var pong protocol.PingResult
	if err := json.Unmarshal(result.Results[0].Payload, &pong); err != nil || !pong.Pong {
		t.Errorf("unexpected ping payload %s (%v)", result.Results[0].Payload, err)
	}

	code = hub.post(t, "/api/commands", user, protocol.DispatchRequest{
		Kind:      protocol.CommandRestart,
		DeviceIDs: []string{dev.Device.ID},
	}, &result)
	if code != http.StatusOK || result.Results[0].Outcome != protocol.OutcomeSuccess {
		t.Fatalf("restart not acknowledged: %d %+v", code, result)
	}

	c, err := ipc.Dial(a.cfg.StatusSocket)
	if err != nil {
		t.Fatalf("dial status socket: %v", err)
	}
	defer c.Close()

	waitFor(t, "status counters", func() bool {
		st, err := c.Status()
		return err == nil && st.CommandsExecuted == 2
	})
	st, _ := c.Status()
	if st.CommandsFailed != 0 || st.ConnectedSince == nil || st.TokenExpiresAt == nil {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestProactiveRefreshAgainstHub(t *testing.T) {
	hub := startHub(t)
	user := hub.userToken(t)
	dev := hub.enroll(t, user)

	// A margin longer than the token lifetime forces a refresh before dialing.
	a := startAgent(t, hub.agentConfig(t, dev.Credentials, `, "refresh_margin": "1000h"`))

	waitFor(t, "rotated token", func() bool {
		return a.creds.AccessToken() != dev.Credentials.AccessToken
	})
	waitFor(t, "agent connection", func() bool {
		s := a.relay.State()
		return s == relay.StateConnected || s == relay.StateExecuting
	})

	data, err := os.ReadFile(a.cfg.Credentials.File)
	if err != nil {
		t.Fatalf("credentials not persisted: %v", err)
	}
	if !strings.Contains(string(data), a.creds.AccessToken()) {
		t.Error("persisted credentials do not match the rotated token")
	}
}

func TestRevokedDeviceNeverConnects(t *testing.T) {
	hub := startHub(t)
	user := hub.userToken(t)
	dev := hub.enroll(t, user)
	if code := hub.post(t, "/api/devices/"+dev.Device.ID+"/revoke", user, nil, nil); code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", code)
	}

	a := startAgent(t, hub.agentConfig(t, dev.Credentials, ""))
	waitFor(t, "reconnect attempts", func() bool { return a.Status().Reconnects >= 2 })
	if s := a.relay.State(); s == relay.StateConnected {
		t.Error("revoked device must not connect")
	}
}
