// Package executor runs commands received from the hub on the local device.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

var (
	ErrUnknownKind  = errors.New("unknown command kind")
	ErrInvalidQuery = errors.New("invalid query payload")
)

// QueryRunner runs an inventory query against the device.
type QueryRunner interface {
	Execute(ctx context.Context, query string) (protocol.QueryResult, error)
}

// SystemControl powers the device down or restarts it.
type SystemControl interface {
	Shutdown(ctx context.Context) error
	Restart(ctx context.Context) error
}

// Options tunes an Executor.
type Options struct {
	// ControlDelay separates the acknowledgment of restart/shutdown from the
	// action itself so the response can reach the hub.
	ControlDelay time.Duration
	Hostname     func() (string, error)
}

// Executor turns a Command into exactly one CommandResponse.
type Executor struct {
	runner  QueryRunner
	control SystemControl
	opts    Options
	logger  *slog.Logger

	// schedule runs f after d; replaced in tests.
	schedule func(d time.Duration, f func())
}

// New creates an Executor.
func New(runner QueryRunner, control SystemControl, opts Options, logger *slog.Logger) *Executor {
	if opts.Hostname == nil {
		opts.Hostname = os.Hostname
	}
	return &Executor{
		runner:  runner,
		control: control,
		opts:    opts,
		logger:  logger.With("component", "executor"),
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Execute runs cmd and builds its response. It never returns without a
// response: every failure is reported as an unsuccessful response.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) protocol.CommandResponse {
	logger := e.logger.With("command_id", cmd.CommandID, "kind", cmd.Kind)

	var (
		payload any
		err     error
	)
	switch cmd.Kind {
	case protocol.CommandPing:
		payload, err = e.ping()
	case protocol.CommandExecuteQuery:
		payload, err = e.query(ctx, cmd.Payload)
	case protocol.CommandRestart, protocol.CommandShutdown:
		payload, err = e.scheduleControl(cmd.Kind)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownKind, cmd.Kind)
	}

	resp := protocol.CommandResponse{
		CommandID: cmd.CommandID,
		ReplyTo:   cmd.ReplyTo,
		Timestamp: time.Now(),
	}
	if err != nil {
		logger.Warn("command failed", "error", err)
		resp.Error = err.Error()
		return resp
	}
	if payload != nil {
		data, merr := json.Marshal(payload)
		if merr != nil {
			resp.Error = fmt.Sprintf("encode result: %v", merr)
			return resp
		}
		resp.Payload = data
	}
	resp.Success = true
	logger.Debug("command executed")
	return resp
}

func (e *Executor) ping() (protocol.PingResult, error) {
	host, err := e.opts.Hostname()
	if err != nil {
		// ping still answers; hostname is informational.
		e.logger.Debug("hostname lookup failed", "error", err)
	}
	return protocol.PingResult{Pong: true, Hostname: host}, nil
}

func (e *Executor) query(ctx context.Context, raw json.RawMessage) (protocol.QueryResult, error) {
	var p protocol.QueryPayload
	if len(raw) == 0 {
		return protocol.QueryResult{}, fmt.Errorf("%w: missing payload", ErrInvalidQuery)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return protocol.QueryResult{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if p.Query == "" {
		return protocol.QueryResult{}, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if e.runner == nil {
		return protocol.QueryResult{}, errors.New("query execution is not available on this device")
	}
	return e.runner.Execute(ctx, p.Query)
}

type controlAck struct {
	Acknowledged bool          `json:"acknowledged"`
	Action       string        `json:"action"`
	Delay        time.Duration `json:"delay_ns"`
}

// scheduleControl acknowledges immediately and runs the action later, in the
// background, detached from the command's context.
func (e *Executor) scheduleControl(kind protocol.CommandKind) (controlAck, error) {
	if e.control == nil {
		return controlAck{}, errors.New("system control is not available on this device")
	}
	action := e.control.Shutdown
	if kind == protocol.CommandRestart {
		action = e.control.Restart
	}
	e.schedule(e.opts.ControlDelay, func() {
		e.logger.Warn("running system control", "action", kind)
		if err := action(context.Background()); err != nil {
			e.logger.Error("system control failed", "action", kind, "error", err)
		}
	})
	return controlAck{Acknowledged: true, Action: string(kind), Delay: e.opts.ControlDelay}, nil
}
