// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fleetrelay/fleetrelay/hub/api"
	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/router"
	"github.com/fleetrelay/fleetrelay/hub/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	resolver auth.Resolver
	router   *router.Router
	bp       backplane.Backplane
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration and connects it to the
// backplane.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	svc := auth.NewService(db, cfg.Auth)
	if err := svc.Bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}
	resolver, err := auth.NewResolver(cfg.Auth, svc)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth resolver: %w", err)
	}

	instanceID := cfg.Backplane.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := router.New(resolver, db, router.Options{
		InstanceID:        instanceID,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		MessageBurst:      cfg.RateLimit.MessageBurst,
		MaxTargets:        cfg.Relay.MaxTargets,
		BatchTimeout:      cfg.Relay.BatchTimeout.Duration,
		PresenceWindow:    cfg.Relay.PresenceWindow.Duration,
		Registerer:        reg,
		Logger:            logger,
	})

	bp, err := newBackplane(ctx, cfg.Backplane, rt.HandleBackplane, logger)
	if err != nil {
		closeResolver(resolver)
		_ = db.Close()
		return nil, fmt.Errorf("init backplane: %w", err)
	}
	if err := rt.Start(ctx, bp); err != nil {
		_ = bp.Close()
		closeResolver(resolver)
		_ = db.Close()
		return nil, fmt.Errorf("start router: %w", err)
	}

	h := &Hub{
		cfg:      cfg,
		store:    db,
		resolver: resolver,
		router:   rt,
		bp:       bp,
		api:      api.NewServer(db, svc, resolver, rt, cfg, reg, logger),
		logger:   logger.With("component", "hub", "instance", instanceID),
	}

	if cfg.Auth.InitialAdmin != nil && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin password detected; change it before production use")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	if cfg.Backplane.Driver != "redis" {
		logger.Info("using in-process backplane; run a single instance or configure redis")
	}
	return h, nil
}

func newBackplane(ctx context.Context, cfg config.BackplaneConfig, handler backplane.Handler, logger *slog.Logger) (backplane.Backplane, error) {
	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		bp, err := backplane.NewRedis(ctx, client, handler, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return bp, nil
	default:
		return backplane.NewMemoryBus().NewNode(handler, cfg.QueueSize, logger), nil
	}
}

func closeResolver(r auth.Resolver) {
	if c, ok := r.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")

		// Sessions are hijacked connections, which Shutdown does not wait for.
		h.router.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	err := g.Wait()
	h.close()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *Hub) close() {
	if err := h.bp.Close(); err != nil {
		h.logger.Warn("closing backplane", "error", err)
	}
	closeResolver(h.resolver)
	if err := h.store.Close(); err != nil {
		h.logger.Warn("closing store", "error", err)
	}
	h.logger.Info("shutdown complete")
}
