// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/correlator"
	"github.com/fleetrelay/fleetrelay/hub/dispatch"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// Relay is the part of the router the HTTP API drives. It also serves the
// WebSocket endpoint.
type Relay interface {
	http.Handler
	Dispatch(ctx context.Context, requester auth.Principal, req dispatch.Request) (*correlator.Batch, error)
	CancelBatch(batchID uuid.UUID) bool
	DeviceOnline(ctx context.Context, deviceID uuid.UUID) (bool, error)
	Deliver(ctx context.Context, principalID uuid.UUID, env protocol.Envelope) (int, error)
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	resolver     auth.Resolver
	relay        Relay
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server. gatherer backs /metrics; nil uses the
// default registry.
func NewServer(s store.Store, svc *auth.Service, resolver auth.Resolver, relay Relay, cfg *config.Config, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         svc,
		resolver:     resolver,
		relay:        relay,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		loginRL:      newRateLimiter(5, 10),
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
	if srv.maxBodyBytes == 0 {
		srv.maxBodyBytes = 1024 * 1024
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Unauthenticated
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/refresh", srv.handleRefresh)

	// WebSocket (auth handled inside)
	mux.Get("/ws", relay.ServeHTTP)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequirePolicy(auth.UserOnly))
			r.Post("/api/commands", srv.handleDispatch)
			r.Post("/api/devices", srv.handleEnrollDevice)
			r.Get("/api/devices/{deviceID}", srv.handleGetDevice)
			r.Get("/api/devices/{deviceID}/presence", srv.handleDevicePresence)
			r.Post("/api/devices/{deviceID}/credentials", srv.handleIssueCredentials)
			r.Post("/api/devices/{deviceID}/revoke", srv.handleRevokeDevice)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Info("login failed", "username", req.Username)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleRefresh exchanges a device refresh token for a new credential pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	creds, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailure) {
			s.logger.Info("refresh rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		s.logger.Error("refresh error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":        p.ID.String(),
		"tenant_id": p.TenantID.String(),
		"kind":      string(p.Kind),
	})
}

// handleDispatch runs a command batch and waits for it to complete. The
// wait is bounded by the batch timeout; a caller that goes away cancels
// the batch.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req protocol.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch, err := s.relay.Dispatch(r.Context(), p, dispatch.Request{
		RequestID: req.RequestID,
		Kind:      req.Kind,
		DeviceIDs: req.DeviceIDs,
		Payload:   req.Payload,
	})
	if err != nil {
		code := dispatch.ErrorCode(err)
		status := dispatchStatus(code)
		if status == http.StatusInternalServerError {
			s.logger.Error("dispatch failed", "error", err)
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
		return
	}

	result, err := batch.Wait(r.Context())
	if err != nil {
		if s.relay.CancelBatch(batch.ID) {
			s.logger.Debug("batch canceled, client went away", "batch_id", batch.ID, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func dispatchStatus(code string) int {
	switch code {
	case protocol.CodeAuthorizationDenied:
		return http.StatusForbidden
	case protocol.CodeBadRequest, protocol.CodeNoTargets, protocol.CodeTooManyTargets, protocol.CodeUnknownDevice:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleEnrollDevice registers a device in the caller's tenant and returns
// its first credentials.
func (s *Server) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, http.StatusBadRequest, "name must be 1-128 characters")
		return
	}

	now := time.Now()
	dev := &store.Device{
		ID:        uuid.New().String(),
		TenantID:  p.TenantID.String(),
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertDevice(r.Context(), dev); err != nil {
		s.logger.Error("enroll device", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enroll device")
		return
	}

	creds, err := s.auth.IssueDeviceCredentials(uuid.MustParse(dev.ID), p.TenantID)
	if err != nil {
		s.logger.Error("issue credentials", "device_id", dev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue credentials")
		return
	}
	s.logger.Info("device enrolled", "device_id", dev.ID, "tenant_id", dev.TenantID, "by", p.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"device":      dev,
		"credentials": creds,
	})
}

// tenantDevice loads the {deviceID} path device, answering 404 for ids of
// other tenants.
func (s *Server) tenantDevice(w http.ResponseWriter, r *http.Request) (*store.Device, uuid.UUID, bool) {
	p, _ := auth.PrincipalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return nil, uuid.Nil, false
	}
	dev, err := s.store.GetDevice(r.Context(), id.String())
	if err != nil {
		s.logger.Error("get device", "device_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, uuid.Nil, false
	}
	if dev == nil || dev.TenantID != p.TenantID.String() {
		writeError(w, http.StatusNotFound, "device not found")
		return nil, uuid.Nil, false
	}
	return dev, id, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, _, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDevicePresence(w http.ResponseWriter, r *http.Request) {
	_, id, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	online, err := s.relay.DeviceOnline(r.Context(), id)
	if err != nil {
		s.logger.Error("presence lookup", "device_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id.String(), "online": online})
}

// handleIssueCredentials rotates a connected device's credentials by
// pushing a fresh pair over its live session.
func (s *Server) handleIssueCredentials(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	dev, id, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	if dev.Revoked {
		writeError(w, http.StatusConflict, "device is revoked")
		return
	}

	creds, err := s.auth.IssueDeviceCredentials(id, p.TenantID)
	if err != nil {
		s.logger.Error("issue credentials", "device_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue credentials")
		return
	}
	n, err := s.relay.Deliver(r.Context(), id, protocol.NewEnvelope(protocol.TypeCredentialsIssued, creds))
	if err != nil {
		s.logger.Error("deliver credentials", "device_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "delivery failed")
		return
	}
	if n == 0 {
		writeError(w, http.StatusConflict, "device offline")
		return
	}
	s.logger.Info("credentials delivered", "device_id", id, "by", p.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"device_id": id.String(), "expires_at": creds.ExpiresAt})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	_, id, ok := s.tenantDevice(w, r)
	if !ok {
		return
	}
	if err := s.store.RevokeDevice(r.Context(), id.String()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("revoke device", "device_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("device revoked", "device_id", id, "by", p.ID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
