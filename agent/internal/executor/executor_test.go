package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRunner struct {
	result protocol.QueryResult
	err    error
	got    string
}

func (s *stubRunner) Execute(_ context.Context, query string) (protocol.QueryResult, error) {
	s.got = query
	return s.result, s.err
}

type recordingControl struct {
	mu      sync.Mutex
	actions []string
}

func (c *recordingControl) Shutdown(context.Context) error { return c.record("shutdown") }
func (c *recordingControl) Restart(context.Context) error  { return c.record("restart") }

func (c *recordingControl) record(a string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, a)
	return nil
}

func command(kind protocol.CommandKind, payload string) protocol.Command {
	cmd := protocol.Command{
		CommandID: "cmd-1",
		BatchID:   "batch-1",
		Kind:      kind,
		ReplyTo:   "instance:hub-a",
	}
	if payload != "" {
		cmd.Payload = json.RawMessage(payload)
	}
	return cmd
}

func TestPingReportsHostname(t *testing.T) {
	e := New(nil, nil, Options{Hostname: func() (string, error) { return "kiosk-7", nil }}, testLogger())

	resp := e.Execute(context.Background(), command(protocol.CommandPing, ""))
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.CommandID != "cmd-1" || resp.ReplyTo != "instance:hub-a" {
		t.Errorf("response not correlated: %+v", resp)
	}
	var pr protocol.PingResult
	if err := json.Unmarshal(resp.Payload, &pr); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !pr.Pong || pr.Hostname != "kiosk-7" {
		t.Errorf("unexpected ping result: %+v", pr)
	}
}

func TestPingSurvivesHostnameFailure(t *testing.T) {
	e := New(nil, nil, Options{Hostname: func() (string, error) { return "", errors.New("no uts") }}, testLogger())
	if resp := e.Execute(context.Background(), command(protocol.CommandPing, "")); !resp.Success {
		t.Fatalf("ping should succeed without a hostname, got %q", resp.Error)
	}
}

func TestExecuteQuery(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		runner      *stubRunner
		wantSuccess bool
		wantErr     string
	}{
		{
			name:        "success",
			payload:     `{"query":"SELECT name FROM os_version"}`,
			runner:      &stubRunner{result: protocol.QueryResult{Rows: []map[string]any{{"name": "Ubuntu"}}, RowCount: 1}},
			wantSuccess: true,
		},
		{
			name:    "runner failure",
			payload: `{"query":"SELECT * FROM nope"}`,
			runner:  &stubRunner{err: errors.New("no such table: nope")},
			wantErr: "no such table",
		},
		{name: "missing payload", runner: &stubRunner{}, wantErr: "missing payload"},
		{name: "malformed payload", payload: `"just a string"`, runner: &stubRunner{}, wantErr: "invalid query payload"},
		{name: "empty query", payload: `{"query":""}`, runner: &stubRunner{}, wantErr: "empty query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.runner, nil, Options{}, testLogger())
			resp := e.Execute(context.Background(), command(protocol.CommandExecuteQuery, tt.payload))
			if resp.Success != tt.wantSuccess {
				t.Fatalf("success = %v, want %v (error %q)", resp.Success, tt.wantSuccess, resp.Error)
			}
			if tt.wantErr != "" && !strings.Contains(resp.Error, tt.wantErr) {
				t.Errorf("error %q does not mention %q", resp.Error, tt.wantErr)
			}
			if tt.wantSuccess {
				var qr protocol.QueryResult
				if err := json.Unmarshal(resp.Payload, &qr); err != nil {
					t.Fatalf("decode payload: %v", err)
				}
				if qr.RowCount != 1 || qr.Rows[0]["name"] != "Ubuntu" {
					t.Errorf("unexpected result: %+v", qr)
				}
				if tt.runner.got != "SELECT name FROM os_version" {
					t.Errorf("runner got query %q", tt.runner.got)
				}
			}
		})
	}
}

func TestQueryWithoutRunner(t *testing.T) {
	e := New(nil, nil, Options{}, testLogger())
	resp := e.Execute(context.Background(), command(protocol.CommandExecuteQuery, `{"query":"SELECT 1"}`))
	if resp.Success {
		t.Fatal("expected failure without a query runner")
	}
}

func TestControlAcknowledgedBeforeAction(t *testing.T) {
	for _, kind := range []protocol.CommandKind{protocol.CommandRestart, protocol.CommandShutdown} {
		t.Run(string(kind), func(t *testing.T) {
			ctrl := &recordingControl{}
			e := New(nil, ctrl, Options{ControlDelay: 5 * time.Second}, testLogger())

			var scheduled func()
			var delay time.Duration
			e.schedule = func(d time.Duration, f func()) {
				delay = d
				scheduled = f
			}

			resp := e.Execute(context.Background(), command(kind, ""))
			if !resp.Success {
				t.Fatalf("expected acknowledgment, got error %q", resp.Error)
			}
			if len(ctrl.actions) != 0 {
				t.Fatal("control ran before the acknowledgment was returned")
			}
			if scheduled == nil || delay != 5*time.Second {
				t.Fatalf("expected action scheduled after 5s, got %v", delay)
			}

			scheduled()
			if len(ctrl.actions) != 1 || ctrl.actions[0] != string(kind) {
				t.Errorf("expected %s to run, got %v", kind, ctrl.actions)
			}
		})
	}
}

func TestControlUnavailable(t *testing.T) {
	e := New(nil, nil, Options{}, testLogger())
	if resp := e.Execute(context.Background(), command(protocol.CommandRestart, "")); resp.Success {
		t.Fatal("expected failure without system control")
	}
}

func TestUnknownKindFails(t *testing.T) {
	e := New(nil, nil, Options{}, testLogger())
	resp := e.Execute(context.Background(), command("format_disk", ""))
	if resp.Success {
		t.Fatal("unknown kind must not succeed")
	}
	if !strings.Contains(resp.Error, "unknown command kind") {
		t.Errorf("unexpected error: %q", resp.Error)
	}
	if resp.CommandID != "cmd-1" {
		t.Errorf("failure response must keep the command id, got %q", resp.CommandID)
	}
}

func fakeOsquery(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script runner")
	}
	path := filepath.Join(t.TempDir(), "osqueryi")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0700); err != nil {
		t.Fatalf("write fake osqueryi: %v", err)
	}
	return path
}

func TestOsqueryRunner(t *testing.T) {
	bin := fakeOsquery(t, `echo '[{"name":"Ubuntu","major":"24"},{"name":"Debian","major":"12"}]'`)
	r := NewOsqueryRunner(bin, 5*time.Second)

	res, err := r.Execute(context.Background(), "SELECT name, major FROM os_version")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.RowCount != 2 || res.Rows[1]["name"] != "Debian" {
		t.Errorf("unexpected rows: %+v", res)
	}
}

func TestOsqueryRunnerFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		wantErr string
	}{
		{"stderr", `echo "Error: no such table: nope" >&2; exit 1`, 5 * time.Second, "no such table"},
		{"bad output", `echo 'not json'`, 5 * time.Second, "parse osquery output"},
		{"timeout", `exec sleep 5`, 100 * time.Millisecond, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewOsqueryRunner(fakeOsquery(t, tt.script), tt.timeout)
			_, err := r.Execute(context.Background(), "SELECT 1")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOsqueryRunnerMissingBinary(t *testing.T) {
	r := NewOsqueryRunner(filepath.Join(t.TempDir(), "missing"), time.Second)
	if _, err := r.Execute(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestDryRunControl(t *testing.T) {
	d := DryRunControl{Logger: testLogger()}
	if err := d.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}
