package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetrelay/fleetrelay/agent/internal/config"
	"github.com/fleetrelay/fleetrelay/agent/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [config-file]",
		Short: "Show the running agent's status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().BoolP("follow", "f", false, "stream events and log records after printing status")
	cmd.Flags().String("socket", "", "status socket path (overrides the config)")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	socket, _ := cmd.Flags().GetString("socket")
	if socket == "" {
		socket = statusSocket(resolveConfigPath(cmd, args, defaultConfigPath))
	}
	out := cmd.OutOrStdout()

	client, err := ipc.Dial(socket)
	if err != nil {
		fmt.Fprintln(out, "Status:  not running")
		return nil
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	printStatus(out, st)

	if follow, _ := cmd.Flags().GetBool("follow"); !follow {
		return nil
	}
	if err := client.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for evt := range client.Events() {
		fmt.Fprintf(out, "%s %-20s %s\n", evt.Timestamp.Format(time.RFC3339), evt.Type, compact(evt.Data))
	}
	return nil
}

// statusSocket reads the socket path from the config, falling back to the
// default location when the config cannot be loaded.
func statusSocket(configPath string) string {
	if cfg, err := config.Load(configPath); err == nil && cfg.StatusEnabled() {
		return cfg.StatusSocket
	}
	return filepath.Join(config.DefaultDir(), "agent.sock")
}

func printStatus(w io.Writer, st ipc.StatusResult) {
	fmt.Fprintf(w, "Status:    running (%s)\n", st.State)
	if st.DeviceName != "" {
		fmt.Fprintf(w, "Device:    %s\n", st.DeviceName)
	}
	fmt.Fprintf(w, "Hub:       %s\n", st.HubURL)
	fmt.Fprintf(w, "Uptime:    %s\n", st.Uptime)
	if st.ConnectedSince != nil {
		fmt.Fprintf(w, "Connected: since %s\n", st.ConnectedSince.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Commands:  %d executed, %d failed\n", st.CommandsExecuted, st.CommandsFailed)
	if st.TokenExpiresAt != nil {
		fmt.Fprintf(w, "Token:     expires %s\n", st.TokenExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Version:   %s\n", st.Version)
}

func compact(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	return string(data)
}
