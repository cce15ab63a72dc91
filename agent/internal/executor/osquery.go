package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// OsqueryRunner runs queries through the osqueryi shell in JSON mode.
type OsqueryRunner struct {
	Binary  string
	Timeout time.Duration
}

// NewOsqueryRunner returns a runner for binary with a per-query timeout.
func NewOsqueryRunner(binary string, timeout time.Duration) *OsqueryRunner {
	return &OsqueryRunner{Binary: binary, Timeout: timeout}
}

func (r *OsqueryRunner) Execute(ctx context.Context, query string) (protocol.QueryResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Binary, "--json", query)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.QueryResult{}, fmt.Errorf("query timed out after %s", r.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return protocol.QueryResult{}, fmt.Errorf("osquery: %s", msg)
		}
		return protocol.QueryResult{}, fmt.Errorf("osquery: %w", err)
	}

	var rows []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return protocol.QueryResult{}, fmt.Errorf("parse osquery output: %w", err)
	}
	return protocol.QueryResult{
		Rows:     rows,
		RowCount: len(rows),
		TimingMs: time.Since(start).Milliseconds(),
	}, nil
}
