// Package relay manages the agent's outbound WebSocket connection to the hub:
// it keeps the connection alive, executes received commands and answers each
// one exactly once.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetrelay/fleetrelay/agent/internal/config"
	"github.com/fleetrelay/fleetrelay/agent/internal/eventbus"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

const (
	writeWait = 10 * time.Second
	// readWait bounds the silence tolerated from the hub; it pings every 30s.
	readWait = 90 * time.Second
)

var (
	ErrUnauthorized = errors.New("hub rejected credentials")
	ErrNotConnected = errors.New("not connected")
)

// State is the connection lifecycle state of the relay client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateExecuting    State = "executing"
)

// Executor runs a single command.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) protocol.CommandResponse
}

// Credentials supplies and rotates the device's access token.
type Credentials interface {
	AccessToken() string
	ExpiresWithin(d time.Duration) bool
	Refresh(ctx context.Context) error
	Replace(issued protocol.CredentialsIssued) error
}

// Client is the agent's connection to the hub.
type Client struct {
	cfg    config.HubConfig
	creds  Credentials
	exec   Executor
	bus    *eventbus.Bus
	logger *slog.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	stateMu  sync.Mutex
	conState State
	inflight int

	commands sync.WaitGroup
	jitter   func(n int64) int64
}

// New creates a relay client. bus may be nil.
func New(cfg config.HubConfig, creds Credentials, exec Executor, bus *eventbus.Bus, logger *slog.Logger) *Client {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Client{
		cfg:      cfg,
		creds:    creds,
		exec:     exec,
		bus:      bus,
		logger:   logger.With("component", "relay"),
		dialer:   dialer,
		conState: StateDisconnected,
		jitter:   rand.Int64N,
	}
}

// State returns the current state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.effectiveState()
}

// Run connects to the hub and keeps reconnecting until ctx is canceled. It
// waits for in-flight commands before returning ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	defer c.commands.Wait()

	attempt := 0
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("connection failed", "error", err)
		}
		if connected {
			attempt = 0
		}

		delay := c.backoff(attempt)
		attempt++
		c.logger.Info("reconnecting", "delay", delay, "attempt", attempt)
		c.bus.PublishType(eventbus.HubReconnecting, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff returns the wait before reconnect attempt n: a uniformly random
// duration between the reconnect interval and an exponentially growing
// ceiling capped at the max reconnect delay.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.cfg.ReconnectInterval.Duration
	limit := c.cfg.MaxReconnectDelay.Duration
	if limit < base {
		limit = base
	}
	ceiling := base
	for i := 0; i < attempt && ceiling < limit; i++ {
		ceiling *= 2
	}
	if ceiling > limit {
		ceiling = limit
	}
	if ceiling <= base {
		return base
	}
	return base + time.Duration(c.jitter(int64(ceiling-base)+1))
}

// connectOnce dials, serves the connection until it drops, and reports
// whether a connection was established.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	c.setConnState(StateConnecting)
	defer c.setConnState(StateDisconnected)

	if margin := c.cfg.RefreshMargin.Duration; c.creds.ExpiresWithin(margin) {
		if err := c.creds.Refresh(ctx); err != nil {
			c.logger.Warn("token refresh before dial failed", "error", err)
		}
	}

	conn, err := c.dial(ctx)
	if errors.Is(err, ErrUnauthorized) {
		c.logger.Info("handshake rejected, refreshing token")
		if rerr := c.creds.Refresh(ctx); rerr != nil {
			return false, fmt.Errorf("%w (refresh: %v)", err, rerr)
		}
		conn, err = c.dial(ctx)
	}
	if err != nil {
		return false, err
	}

	return true, c.serve(ctx, conn)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.creds.AccessToken())

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.setConnState(StateConnected)
	c.bus.PublishType(eventbus.HubConnected, map[string]string{"url": c.cfg.URL})

	defer func() {
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		conn.Close()
		c.bus.PublishType(eventbus.HubDisconnected, nil)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}
		c.handle(ctx, protocol.Envelope{Type: msg.Type, Payload: msg.Payload})
	}
}

func (c *Client) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHelloAck:
		var ack protocol.HelloAck
		if err := env.Decode(&ack); err != nil {
			c.logger.Warn("invalid hello.ack", "error", err)
			return
		}
		c.logger.Info("connected to hub", "url", c.cfg.URL, "device_id", ack.PrincipalID, "instance", ack.Instance)

	case protocol.TypeCommand:
		var cmd protocol.Command
		if err := env.Decode(&cmd); err != nil || cmd.CommandID == "" {
			c.logger.Warn("dropping malformed command", "error", err)
			return
		}
		c.startCommand(ctx, cmd)

	case protocol.TypeCredentialsIssued:
		var issued protocol.CredentialsIssued
		if err := env.Decode(&issued); err != nil {
			c.logger.Warn("invalid credentials.issued", "error", err)
			return
		}
		if err := c.creds.Replace(issued); err != nil {
			c.logger.Error("replace credentials failed", "error", err)
			return
		}
		c.logger.Info("credentials replaced")
		c.bus.PublishType(eventbus.CredentialsRotated, map[string]any{"expires_at": issued.ExpiresAt})

	case protocol.TypeErrorResponse:
		var e protocol.ErrorResponse
		_ = env.Decode(&e)
		c.logger.Warn("hub reported error", "code", e.Code, "message", e.Message)

	default:
		c.logger.Debug("ignoring message", "type", env.Type)
	}
}

// startCommand executes cmd on its own goroutine and sends exactly one
// response for it.
func (c *Client) startCommand(ctx context.Context, cmd protocol.Command) {
	c.updateState(func() { c.inflight++ })
	c.bus.PublishType(eventbus.CommandReceived, eventbus.CommandEvent{
		CommandID: cmd.CommandID,
		BatchID:   cmd.BatchID,
		Kind:      string(cmd.Kind),
	})
	logger := c.logger.With("command_id", cmd.CommandID, "batch_id", cmd.BatchID, "kind", cmd.Kind)
	logger.Info("command received")

	c.commands.Add(1)
	go func() {
		defer c.commands.Done()

		var resp protocol.CommandResponse
		if cmd.Kind.Valid() {
			resp = c.exec.Execute(ctx, cmd)
		} else {
			resp = protocol.CommandResponse{Error: fmt.Sprintf("unknown command kind %q", cmd.Kind)}
		}
		resp.CommandID = cmd.CommandID
		resp.ReplyTo = cmd.ReplyTo
		if resp.Timestamp.IsZero() {
			resp.Timestamp = time.Now()
		}

		if err := c.send(protocol.TypeCommandResponse, resp); err != nil {
			logger.Warn("response not delivered", "error", err)
		}
		c.updateState(func() { c.inflight-- })
		c.bus.PublishType(eventbus.CommandCompleted, eventbus.CommandEvent{
			CommandID: cmd.CommandID,
			BatchID:   cmd.BatchID,
			Kind:      string(cmd.Kind),
			Success:   resp.Success,
			Error:     resp.Error,
		})
		logger.Info("command completed", "success", resp.Success)
	}()
}

// send writes one envelope to the current connection.
func (c *Client) send(msgType string, payload any) error {
	data, err := json.Marshal(protocol.NewEnvelope(msgType, payload))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setConnState(s State) {
	c.updateState(func() { c.conState = s })
}

// updateState applies f and publishes the transition if the observable
// state changed. Publishing happens under the lock to keep events ordered.
func (c *Client) updateState(f func()) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	before := c.effectiveState()
	f()
	after := c.effectiveState()
	if before == after {
		return
	}
	c.logger.Debug("state changed", "from", before, "to", after)
	c.bus.PublishType(eventbus.RelayState, eventbus.StateChange{From: string(before), To: string(after)})
}

func (c *Client) effectiveState() State {
	if c.conState == StateConnected && c.inflight > 0 {
		return StateExecuting
	}
	return c.conState
}
