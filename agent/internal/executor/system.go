package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// OSControl runs the platform's shutdown command.
type OSControl struct{}

func (OSControl) Shutdown(ctx context.Context) error {
	return run(ctx, shutdownArgs(false))
}

func (OSControl) Restart(ctx context.Context) error {
	return run(ctx, shutdownArgs(true))
}

func shutdownArgs(restart bool) []string {
	switch runtime.GOOS {
	case "windows":
		if restart {
			return []string{"shutdown", "/r", "/t", "0"}
		}
		return []string{"shutdown", "/s", "/t", "0"}
	case "darwin":
		if restart {
			return []string{"shutdown", "-r", "now"}
		}
		return []string{"shutdown", "-h", "now"}
	default:
		if restart {
			return []string{"systemctl", "reboot"}
		}
		return []string{"systemctl", "poweroff"}
	}
}

func run(ctx context.Context, args []string) error {
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, out)
	}
	return nil
}

// DryRunControl logs the requested action instead of performing it.
type DryRunControl struct {
	Logger *slog.Logger
}

func (d DryRunControl) Shutdown(context.Context) error {
	d.Logger.Warn("shutdown requested (dry run)")
	return nil
}

func (d DryRunControl) Restart(context.Context) error {
	d.Logger.Warn("restart requested (dry run)")
	return nil
}
