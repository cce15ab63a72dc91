// Package agent is the orchestrator that ties together the credential
// manager, the executor, the relay client and the local status socket.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetrelay/fleetrelay/agent/internal/config"
	"github.com/fleetrelay/fleetrelay/agent/internal/eventbus"
	"github.com/fleetrelay/fleetrelay/agent/internal/executor"
	"github.com/fleetrelay/fleetrelay/agent/internal/ipc"
	"github.com/fleetrelay/fleetrelay/agent/internal/relay"
	"github.com/fleetrelay/fleetrelay/agent/internal/tokens"
)

// Agent is the fleet-agent process.
type Agent struct {
	cfg       *config.Config
	version   string
	logger    *slog.Logger
	bus       *eventbus.Bus
	creds     *tokens.Manager
	relay     *relay.Client
	status    *ipc.Server
	startedAt time.Time

	mu             sync.Mutex
	connectedSince time.Time
	reconnects     int
	executed       int
	failed         int
	lastCommandAt  time.Time
}

// New builds an agent from configuration. If bus is nil a private one is
// created.
func New(cfg *config.Config, version string, bus *eventbus.Bus, logger *slog.Logger) (*Agent, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	logger = logger.With("device", cfg.Device.Name)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if cfg.Hub.TLSSkipVerify {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	creds, err := tokens.NewManager(tokens.Credentials{
		AccessToken:  cfg.Credentials.AccessToken,
		RefreshToken: cfg.Credentials.RefreshToken,
	}, tokens.Options{
		RefreshURL: cfg.Hub.RefreshURL,
		File:       cfg.Credentials.File,
		HTTPClient: httpClient,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var control executor.SystemControl = executor.OSControl{}
	if cfg.Executor.ControlDryRun {
		control = executor.DryRunControl{Logger: logger.With("component", "executor")}
	}
	exec := executor.New(
		executor.NewOsqueryRunner(cfg.Executor.QueryBinary, cfg.Executor.QueryTimeout.Duration),
		control,
		executor.Options{ControlDelay: cfg.Executor.ControlDelay.Duration},
		logger,
	)

	a := &Agent{
		cfg:       cfg,
		version:   version,
		logger:    logger.With("component", "agent"),
		bus:       bus,
		creds:     creds,
		relay:     relay.New(cfg.Hub, creds, exec, bus, logger),
		startedAt: time.Now(),
	}
	if cfg.StatusEnabled() {
		a.status = ipc.NewServer(cfg.StatusSocket, a, bus, logger)
	}
	return a, nil
}

// Bus returns the agent's event bus.
func (a *Agent) Bus() *eventbus.Bus {
	return a.bus
}

// Run connects to the hub and serves commands until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	events := a.bus.Subscribe(
		eventbus.HubConnected,
		eventbus.HubDisconnected,
		eventbus.HubReconnecting,
		eventbus.CommandCompleted,
	)
	defer a.bus.Unsubscribe(events)

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			a.logger.Warn("status socket unavailable", "error", err)
		} else {
			defer a.status.Close()
		}
	}

	a.logger.Info("agent starting", "hub", a.cfg.Hub.URL, "version", a.version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		a.track(gctx, events)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// track folds relay events into the status counters.
func (a *Agent) track(ctx context.Context, events chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.apply(evt)
		}
	}
}

func (a *Agent) apply(evt eventbus.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch evt.Type {
	case eventbus.HubConnected:
		a.connectedSince = evt.Timestamp
	case eventbus.HubDisconnected:
		a.connectedSince = time.Time{}
	case eventbus.HubReconnecting:
		a.reconnects++
	case eventbus.CommandCompleted:
		var ce eventbus.CommandEvent
		if err := evt.Decode(&ce); err != nil {
			return
		}
		a.executed++
		if !ce.Success {
			a.failed++
		}
		a.lastCommandAt = evt.Timestamp
	}
}

// Status implements ipc.StatusProvider.
func (a *Agent) Status() ipc.StatusResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := ipc.StatusResult{
		DeviceName:       a.cfg.Device.Name,
		HubURL:           a.cfg.Hub.URL,
		State:            string(a.relay.State()),
		StartedAt:        a.startedAt,
		Uptime:           time.Since(a.startedAt).Truncate(time.Second).String(),
		Reconnects:       a.reconnects,
		CommandsExecuted: a.executed,
		CommandsFailed:   a.failed,
		Version:          a.version,
	}
	if !a.connectedSince.IsZero() {
		t := a.connectedSince
		st.ConnectedSince = &t
	}
	if !a.lastCommandAt.IsZero() {
		t := a.lastCommandAt
		st.LastCommandAt = &t
	}
	if exp := a.creds.Current().ExpiresAt; !exp.IsZero() {
		st.TokenExpiresAt = &exp
	}
	return st
}
