// Package dispatch turns a user's command request into one addressed
// command per target device.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	"github.com/fleetrelay/fleetrelay/hub/correlator"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// DefaultMaxTargets caps the fan-out of a single request.
const DefaultMaxTargets = 20

var (
	ErrNoTargets      = errors.New("no target devices")
	ErrTooManyTargets = errors.New("too many target devices")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrInvalidKind    = errors.New("invalid command kind")
	ErrInvalidPayload = errors.New("invalid command payload")
)

// Directory resolves device identity. store.Store satisfies it.
type Directory interface {
	GetDevice(ctx context.Context, id string) (*store.Device, error)
}

// Request is a user's intent to run one command kind on a set of devices.
type Request struct {
	RequestID string
	Kind      protocol.CommandKind
	DeviceIDs []string
	Payload   json.RawMessage

	// Accepted, if set, runs once the batch is registered and before any
	// command is sent or settled.
	Accepted func(b *correlator.Batch)
}

// Options configures a Dispatcher.
type Options struct {
	MaxTargets int
	// ReplyTo is the backplane topic device responses are routed back to.
	ReplyTo string
	Logger  *slog.Logger
}

// Dispatcher publishes command envelopes and registers their batch.
type Dispatcher struct {
	bp         backplane.Backplane
	corr       *correlator.Correlator
	dir        Directory
	maxTargets int
	replyTo    string
	logger     *slog.Logger
}

// New creates a dispatcher.
func New(bp backplane.Backplane, corr *correlator.Correlator, dir Directory, opts Options) *Dispatcher {
	if opts.MaxTargets <= 0 {
		opts.MaxTargets = DefaultMaxTargets
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bp:         bp,
		corr:       corr,
		dir:        dir,
		maxTargets: opts.MaxTargets,
		replyTo:    opts.ReplyTo,
		logger:     logger.With("component", "dispatch"),
	}
}

// Dispatch validates req, opens its batch and publishes one command per
// target. Targets with no live session anywhere are settled immediately as
// device_offline. The batch is returned without waiting for any response.
func (d *Dispatcher) Dispatch(ctx context.Context, requester auth.Principal, req Request) (*correlator.Batch, error) {
	if !auth.UserOnly.Allows(requester) {
		return nil, fmt.Errorf("%w: dispatch requires a user", auth.ErrAuthorizationDenied)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	if err := validatePayload(req.Kind, req.Payload); err != nil {
		return nil, err
	}

	deviceIDs, err := d.resolveTargets(ctx, requester, req.DeviceIDs)
	if err != nil {
		return nil, err
	}

	targets := make([]correlator.Target, len(deviceIDs))
	for i, id := range deviceIDs {
		targets[i] = correlator.Target{DeviceID: id, CommandID: uuid.New()}
	}

	batch, err := d.corr.Open(correlator.Params{
		RequestID: req.RequestID,
		Kind:      req.Kind,
		Requester: requester,
		Targets:   targets,
	})
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}

	d.logger.Info("dispatching batch",
		"batch_id", batch.ID, "kind", req.Kind, "targets", len(targets), "requested_by", requester.ID)

	if req.Accepted != nil {
		req.Accepted(batch)
	}
	for _, t := range targets {
		d.send(ctx, batch, requester, req, t)
	}
	return batch, nil
}

func (d *Dispatcher) send(ctx context.Context, batch *correlator.Batch, requester auth.Principal, req Request, t correlator.Target) {
	topic := backplane.PrincipalTopic(t.DeviceID)

	online, err := d.bp.Online(ctx, topic)
	if err != nil {
		d.logger.Warn("presence check failed", "device_id", t.DeviceID, "error", err)
		d.corr.Fail(batch.ID, t.DeviceID, protocol.OutcomeDeviceOffline, "presence unavailable")
		return
	}
	if !online {
		d.corr.Fail(batch.ID, t.DeviceID, protocol.OutcomeDeviceOffline, "device offline")
		return
	}

	env := protocol.NewEnvelope(protocol.TypeCommand, protocol.Command{
		CommandID:   t.CommandID.String(),
		BatchID:     batch.ID.String(),
		Kind:        req.Kind,
		RequestedBy: requester.ID.String(),
		TenantID:    requester.TenantID.String(),
		ReplyTo:     d.replyTo,
		Timestamp:   time.Now(),
		Payload:     req.Payload,
	})
	env.ID = t.CommandID.String()
	data, err := json.Marshal(env)
	if err != nil {
		d.corr.Fail(batch.ID, t.DeviceID, protocol.OutcomeExecutionFailed, "encode command")
		return
	}

	receivers, err := d.bp.Publish(ctx, topic, data)
	switch {
	case err != nil:
		d.logger.Warn("command publish failed", "device_id", t.DeviceID, "command_id", t.CommandID, "error", err)
		d.corr.Fail(batch.ID, t.DeviceID, protocol.OutcomeDeviceOffline, "delivery failed")
	case receivers == 0:
		// Went offline between the presence check and the publish.
		d.corr.Fail(batch.ID, t.DeviceID, protocol.OutcomeDeviceOffline, "device offline")
	default:
		d.logger.Debug("command published", "device_id", t.DeviceID, "command_id", t.CommandID, "batch_id", batch.ID)
	}
}

// resolveTargets de-duplicates ids, enforces the target bounds and checks
// every device belongs to the requester's tenant.
func (d *Dispatcher) resolveTargets(ctx context.Context, requester auth.Principal, raw []string) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool, len(raw))
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, ErrNoTargets
	}
	if len(ids) > d.maxTargets {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTargets, len(ids), d.maxTargets)
	}

	for _, id := range ids {
		dev, err := d.dir.GetDevice(ctx, id.String())
		if err != nil {
			return nil, fmt.Errorf("lookup device %s: %w", id, err)
		}
		// Devices of other tenants are indistinguishable from missing ones.
		if dev == nil || dev.TenantID != requester.TenantID.String() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		}
	}
	return ids, nil
}

func validatePayload(kind protocol.CommandKind, payload json.RawMessage) error {
	if kind != protocol.CommandExecuteQuery {
		return nil
	}
	var q protocol.QueryPayload
	if len(payload) == 0 {
		return fmt.Errorf("%w: execute_query needs a query", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, &q); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if q.Query == "" {
		return fmt.Errorf("%w: execute_query needs a query", ErrInvalidPayload)
	}
	return nil
}

// ErrorCode maps dispatch errors onto protocol error codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthorizationDenied):
		return protocol.CodeAuthorizationDenied
	case errors.Is(err, ErrNoTargets):
		return protocol.CodeNoTargets
	case errors.Is(err, ErrTooManyTargets):
		return protocol.CodeTooManyTargets
	case errors.Is(err, ErrUnknownDevice):
		return protocol.CodeUnknownDevice
	case errors.Is(err, ErrInvalidKind), errors.Is(err, ErrInvalidPayload):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}
