// Package router terminates the WebSocket sessions of users and devices
// and routes messages between them, locally or through the backplane.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	"github.com/fleetrelay/fleetrelay/hub/correlator"
	"github.com/fleetrelay/fleetrelay/hub/dispatch"
	"github.com/fleetrelay/fleetrelay/hub/presence"
	"github.com/fleetrelay/fleetrelay/hub/registry"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

var ErrNotStarted = errors.New("router not started")

// Directory is the read-only view of the store the router needs.
// store.Store satisfies it.
type Directory interface {
	GetDevice(ctx context.Context, id string) (*store.Device, error)
	DeviceRevoked(ctx context.Context, id string) (bool, error)
}

// Options configures the Router.
type Options struct {
	InstanceID        string
	AllowedOrigins    []string // for the WebSocket origin check
	MaxMessageBytes   int64    // max inbound frame (default 64KB)
	MessagesPerSecond float64  // per-connection inbound rate (default 50)
	MessageBurst      int      // default 100
	MaxTargets        int
	BatchTimeout      time.Duration
	PresenceWindow    time.Duration
	Registerer        prometheus.Registerer // nil disables metrics
	Logger            *slog.Logger
}

// Router owns the sessions of one hub instance.
type Router struct {
	resolver auth.Resolver
	dir      Directory
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *routerMetrics
	routes   map[string]route

	reg  *registry.Registry
	corr *correlator.Correlator

	// Set by Start.
	bp            backplane.Backplane
	dispatcher    *dispatch.Dispatcher
	presence      *presence.Notifier
	instanceTopic string
	releaseSelf   func()
	ctx           context.Context
	cancel        context.CancelFunc

	watchMu  sync.RWMutex
	watchers map[uuid.UUID]map[*session]struct{} // tenant -> presence subscribers

	wg      sync.WaitGroup
	started atomic.Bool
	closing atomic.Bool
}

// New creates a router. Start must be called before it serves connections.
func New(resolver auth.Resolver, dir Directory, opts Options) *Router {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = 50
	}
	if opts.MessageBurst == 0 {
		opts.MessageBurst = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		resolver: resolver,
		dir:      dir,
		opts:     opts,
		logger:   logger.With("component", "router", "instance", opts.InstanceID),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		metrics:  newRouterMetrics(opts.Registerer),
		reg:      registry.New(),
		watchers: make(map[uuid.UUID]map[*session]struct{}),
	}
	r.corr = correlator.New(correlator.Options{
		Timeout:    opts.BatchTimeout,
		OnResult:   r.onResult,
		OnComplete: r.onComplete,
		Logger:     logger,
	})
	r.routes = r.messageRoutes()
	return r
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Start attaches the router to bp and subscribes to its instance topic.
// bp must deliver inbound messages to HandleBackplane.
func (r *Router) Start(ctx context.Context, bp backplane.Backplane) error {
	r.bp = bp
	r.instanceTopic = backplane.InstanceTopic(r.opts.InstanceID)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.dispatcher = dispatch.New(bp, r.corr, r.dir, dispatch.Options{
		MaxTargets: r.opts.MaxTargets,
		ReplyTo:    r.instanceTopic,
		Logger:     r.opts.Logger,
	})
	r.presence = presence.New(bp, r.dir, presence.Options{
		Window: r.opts.PresenceWindow,
		Local:  r.reg,
		Logger: r.opts.Logger,
	})

	release, err := bp.Subscribe(ctx, r.instanceTopic)
	if err != nil {
		r.presence.Close()
		r.cancel()
		return fmt.Errorf("subscribe %s: %w", r.instanceTopic, err)
	}
	r.releaseSelf = release
	r.started.Store(true)
	r.logger.Info("router started")
	return nil
}

// InstanceID identifies this hub instance on the backplane.
func (r *Router) InstanceID() string { return r.opts.InstanceID }

// SessionCount returns the number of live sessions on this instance.
func (r *Router) SessionCount() int { return r.reg.Count() }

// Dispatch runs a user's command request. It is the entry point shared by
// WebSocket and HTTP callers.
func (r *Router) Dispatch(ctx context.Context, requester auth.Principal, req dispatch.Request) (*correlator.Batch, error) {
	if !r.started.Load() {
		return nil, ErrNotStarted
	}
	b, err := r.dispatcher.Dispatch(ctx, requester, req)
	if err != nil {
		return nil, err
	}
	r.metrics.commandsDispatched(len(b.DeviceIDs))
	return b, nil
}

// CancelBatch releases a batch owned by this instance. Devices still
// pending settle as canceled. It reports false when the batch is unknown
// or already complete.
func (r *Router) CancelBatch(batchID uuid.UUID) bool {
	return r.corr.Cancel(batchID)
}

// PendingBatches returns the number of batches this instance is waiting on.
func (r *Router) PendingBatches() int { return r.corr.Len() }

// DeviceOnline reports whether the device has a session on any instance.
func (r *Router) DeviceOnline(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	if !r.started.Load() {
		return false, ErrNotStarted
	}
	return r.bp.Online(ctx, backplane.PrincipalTopic(deviceID))
}

// Deliver publishes env to every session of a principal, wherever it is
// connected, and returns how many instances received it.
func (r *Router) Deliver(ctx context.Context, principalID uuid.UUID, env protocol.Envelope) (int, error) {
	if !r.started.Load() {
		return 0, ErrNotStarted
	}
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return r.bp.Publish(ctx, backplane.PrincipalTopic(principalID), data)
}

// ServeHTTP authenticates and upgrades a connection, then serves it until
// the peer goes away.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.started.Load() || r.closing.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	p, err := r.authenticate(req)
	if err != nil {
		r.logger.Info("websocket handshake rejected", "remote", req.RemoteAddr, "error", err)
		if errors.Is(err, auth.ErrAuthenticationFailure) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		} else {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "principal_id", p.ID, "error", err)
		return
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.serve(conn, p)
}

// authenticate resolves the bearer credential and rejects revoked devices.
func (r *Router) authenticate(req *http.Request) (auth.Principal, error) {
	token := req.URL.Query().Get("token")
	if h := req.Header.Get("Authorization"); token == "" && h != "" {
		token, _ = strings.CutPrefix(h, "Bearer ")
	}

	p, err := r.resolver.Resolve(req.Context(), token)
	if err != nil {
		return auth.Principal{}, err
	}
	if p.Kind == auth.KindDevice {
		revoked, err := r.dir.DeviceRevoked(req.Context(), p.ID.String())
		if err != nil {
			return auth.Principal{}, fmt.Errorf("revocation check: %w", err)
		}
		if revoked {
			return auth.Principal{}, fmt.Errorf("%w: %w", auth.ErrAuthenticationFailure, auth.ErrDeviceRevoked)
		}
	}
	return p, nil
}

func (r *Router) serve(conn *websocket.Conn, p auth.Principal) {
	ctx, cancel := context.WithCancel(auth.WithPrincipal(r.ctx, p))
	s := &session{
		id:        uuid.NewString(),
		principal: p,
		conn:      conn,
		limiter:   rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), r.opts.MessageBurst),
		ctx:       ctx,
		cancel:    cancel,
	}
	logger := r.logger.With("principal_id", p.ID, "kind", p.Kind, "session_id", s.id)
	defer func() { _ = conn.Close() }()
	defer cancel()

	conn.SetReadLimit(r.opts.MaxMessageBytes)
	stopKeepalive := s.keepalive()
	defer stopKeepalive()

	// Subscribe before registering so that a first session is reachable
	// cluster-wide by the time presence reports it online.
	unsub, err := r.bp.Subscribe(ctx, backplane.PrincipalTopic(p.ID))
	if err != nil {
		logger.Error("principal subscription failed", "error", err)
		s.close(websocket.CloseInternalServerErr, "subscription failed")
		return
	}
	s.unsubscribe = unsub

	first := r.reg.Register(s)
	r.metrics.sessionOpened(p.Kind)
	logger.Info("session opened", "first", first)
	if first {
		r.presence.Transition(ctx, p, true)
	}
	defer r.disconnect(s, logger)

	_ = s.Send(protocol.NewEnvelope(protocol.TypeHelloAck, protocol.HelloAck{
		OK:          true,
		PrincipalID: p.ID.String(),
		TenantID:    p.TenantID.String(),
		Kind:        p.Kind,
		Instance:    r.opts.InstanceID,
	}))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("read ended", "error", err)
			return
		}
		// Any message counts as liveness.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.sendError(protocol.CodeBadRequest, "malformed message", "")
			continue
		}
		if !s.limiter.Allow() {
			r.metrics.limited()
			s.sendError(protocol.CodeRateLimited, "message rate exceeded", env.ID)
			continue
		}
		r.handle(s, env, logger)
	}
}

// disconnect undoes the handshake. The principal subscription is released
// before the offline transition so the presence check sees only other
// instances.
func (r *Router) disconnect(s *session, logger *slog.Logger) {
	last := r.reg.Unregister(s)
	s.release()
	r.unwatch(s)
	r.metrics.sessionClosed(s.principal.Kind)
	logger.Info("session closed", "last", last)

	if last && !r.closing.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.presence.Transition(ctx, s.principal, false)
	}
}

// HandleBackplane is the inbound handler for every topic this instance
// subscribes to.
func (r *Router) HandleBackplane(topic string, data []byte) {
	prefix, key, err := backplane.ParseTopic(topic)
	if err != nil {
		r.logger.Warn("message on unknown topic dropped", "topic", topic)
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("malformed backplane message dropped", "topic", topic, "error", err)
		return
	}

	switch prefix {
	case backplane.PrefixPrincipal:
		id, err := uuid.Parse(key)
		if err != nil {
			return
		}
		for _, s := range r.reg.Route(id) {
			if err := s.Send(env); err != nil {
				r.logger.Debug("send to session failed", "session_id", s.ID(), "type", env.Type, "error", err)
			}
		}

	case backplane.PrefixTenant:
		id, err := uuid.Parse(key)
		if err != nil {
			return
		}
		for _, s := range r.watching(id) {
			_ = s.Send(env)
		}

	case backplane.PrefixInstance:
		if env.Type != protocol.TypeCommandResponse {
			r.logger.Debug("unexpected instance message dropped", "type", env.Type)
			return
		}
		var resp protocol.CommandResponse
		if err := env.Decode(&resp); err != nil {
			r.logger.Warn("malformed command response dropped", "error", err)
			return
		}
		r.resolve(resp)
	}
}

func (r *Router) resolve(resp protocol.CommandResponse) {
	if !r.corr.Resolve(resp) {
		r.metrics.unknownResponse()
	}
}

func (r *Router) onResult(b *correlator.Batch, res protocol.DeviceResult) {
	r.metrics.result(res.Outcome)
	r.publishToRequester(b, protocol.NewEnvelope(protocol.TypeCommandResult, res))
}

func (r *Router) onComplete(b *correlator.Batch, res protocol.BatchResult) {
	r.metrics.batchCompleted(b.CreatedAt)
	r.publishToRequester(b, protocol.NewEnvelope(protocol.TypeBatchCompleted, res))
}

func (r *Router) publishToRequester(b *correlator.Batch, env protocol.Envelope) {
	if r.bp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := r.Deliver(ctx, b.Requester.ID, env)
	switch {
	case err != nil:
		r.logger.Warn("publish to requester failed", "batch_id", b.ID, "type", env.Type, "error", err)
	case n == 0:
		r.logger.Debug("requester not connected", "batch_id", b.ID, "type", env.Type)
	}
}

func (r *Router) watch(s *session) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	set := r.watchers[s.principal.TenantID]
	if set == nil {
		set = make(map[*session]struct{})
		r.watchers[s.principal.TenantID] = set
	}
	set[s] = struct{}{}
}

func (r *Router) unwatch(s *session) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	set := r.watchers[s.principal.TenantID]
	delete(set, s)
	if len(set) == 0 {
		delete(r.watchers, s.principal.TenantID)
	}
}

func (r *Router) watching(tenantID uuid.UUID) []*session {
	r.watchMu.RLock()
	defer r.watchMu.RUnlock()
	out := make([]*session, 0, len(r.watchers[tenantID]))
	for s := range r.watchers[tenantID] {
		out = append(out, s)
	}
	return out
}

// Close disconnects every session, cancels pending batches and releases
// the instance subscription. The backplane itself is left open.
func (r *Router) Close() {
	if !r.closing.CompareAndSwap(false, true) {
		return
	}
	for _, s := range r.reg.Clear() {
		if ws, ok := s.(*session); ok {
			ws.close(websocket.CloseGoingAway, "server shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn("timed out waiting for sessions to close")
	}

	r.corr.Close()
	if r.started.Load() {
		r.presence.Close()
		r.releaseSelf()
		r.cancel()
	}
	r.logger.Info("router stopped")
}
