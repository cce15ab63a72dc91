package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetrelay/fleetrelay/agent/internal/agent"
	"github.com/fleetrelay/fleetrelay/agent/internal/config"
	"github.com/fleetrelay/fleetrelay/agent/internal/eventbus"
)

const defaultConfigPath = "agent-config.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the agent (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(cfg, os.Stdout, bus)

	a, err := agent.New(cfg, version, bus, logger)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fleet agent starting", "version", version, "config", configPath)
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	logger.Info("agent stopped")
	return nil
}

// newLogger builds the process logger. Records are mirrored onto bus for
// "fleet-agent status --follow".
func newLogger(cfg *config.Config, w io.Writer, bus *eventbus.Bus) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	if bus != nil {
		h = eventbus.NewSlogHandler(h, bus, level)
	}
	return slog.New(h)
}
