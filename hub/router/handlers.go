package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/backplane"
	"github.com/fleetrelay/fleetrelay/hub/correlator"
	"github.com/fleetrelay/fleetrelay/hub/dispatch"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

var (
	errBadRequest   = errors.New("bad request")
	errUnknownBatch = errors.New("unknown batch")
)

// maxPresenceQuery bounds the device list of one presence.query.
const maxPresenceQuery = 500

type handlerFunc func(ctx context.Context, s *session, env protocol.Envelope) error

type route struct {
	policy auth.Policy
	handle handlerFunc
}

// messageRoutes is the authorization table: every inbound message type is
// bound to exactly one policy.
func (r *Router) messageRoutes() map[string]route {
	return map[string]route{
		protocol.TypeCommandDispatch:     {auth.UserOnly, r.handleDispatch},
		protocol.TypeBatchCancel:         {auth.UserOnly, r.handleCancel},
		protocol.TypePresenceSubscribe:   {auth.UserOnly, r.handlePresenceSubscribe},
		protocol.TypePresenceUnsubscribe: {auth.UserOnly, r.handlePresenceUnsubscribe},
		protocol.TypePresenceQuery:       {auth.UserOnly, r.handlePresenceQuery},
		protocol.TypeCommandResponse:     {auth.DeviceOnly, r.handleCommandResponse},
	}
}

func (r *Router) handle(s *session, env protocol.Envelope, logger *slog.Logger) {
	rt, ok := r.routes[env.Type]
	if !ok {
		logger.Debug("unknown message type", "type", env.Type)
		s.sendError(protocol.CodeBadRequest, fmt.Sprintf("unknown message type %q", env.Type), env.ID)
		return
	}
	if err := rt.policy.Check(s.ctx); err != nil {
		r.metrics.denied(env.Type)
		logger.Warn("message denied", "type", env.Type, "policy", rt.policy)
		s.sendError(protocol.CodeAuthorizationDenied, err.Error(), env.ID)
		return
	}
	if err := rt.handle(s.ctx, s, env); err != nil {
		code := errorCode(err)
		if code == protocol.CodeInternal {
			logger.Error("message failed", "type", env.Type, "error", err)
		}
		s.sendError(code, err.Error(), env.ID)
	}
}

func errorCode(err error) string {
	if errors.Is(err, errBadRequest) || errors.Is(err, errUnknownBatch) {
		return protocol.CodeBadRequest
	}
	return dispatch.ErrorCode(err)
}

func (r *Router) handleDispatch(ctx context.Context, s *session, env protocol.Envelope) error {
	var req protocol.DispatchRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.RequestID == "" {
		req.RequestID = env.ID
	}

	_, err := r.Dispatch(ctx, s.principal, dispatch.Request{
		RequestID: req.RequestID,
		Kind:      req.Kind,
		DeviceIDs: req.DeviceIDs,
		Payload:   req.Payload,
		Accepted: func(b *correlator.Batch) {
			ids := make([]string, len(b.DeviceIDs))
			for i, id := range b.DeviceIDs {
				ids[i] = id.String()
			}
			_ = s.Send(protocol.NewEnvelope(protocol.TypeBatchAccepted, protocol.BatchAccepted{
				RequestID: b.RequestID,
				BatchID:   b.ID.String(),
				Kind:      b.Kind,
				DeviceIDs: ids,
				CreatedAt: b.CreatedAt,
			}))
		},
	})
	if err != nil {
		s.sendError(errorCode(err), err.Error(), req.RequestID)
	}
	return nil
}

func (r *Router) handleCancel(_ context.Context, s *session, env protocol.Envelope) error {
	var req protocol.BatchCancel
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	id, err := uuid.Parse(req.BatchID)
	if err != nil {
		return fmt.Errorf("%w: %q", errUnknownBatch, req.BatchID)
	}
	// Only the requester may cancel, and only on the instance holding the
	// batch; anything else looks like an unknown batch.
	b, ok := r.corr.Get(id)
	if !ok || b.Requester.ID != s.principal.ID {
		return fmt.Errorf("%w: %s", errUnknownBatch, id)
	}
	r.corr.Cancel(id)
	return nil
}

func (r *Router) handlePresenceSubscribe(ctx context.Context, s *session, _ protocol.Envelope) error {
	if s.presenceSubscribed() {
		return nil
	}
	unsub, err := r.bp.Subscribe(ctx, backplane.TenantTopic(s.principal.TenantID))
	if err != nil {
		return fmt.Errorf("presence subscribe: %w", err)
	}
	if !s.setPresence(func() {
		r.unwatch(s)
		unsub()
	}) {
		unsub()
		return nil
	}
	r.watch(s)
	return nil
}

func (r *Router) handlePresenceUnsubscribe(_ context.Context, s *session, _ protocol.Envelope) error {
	s.releasePresence()
	return nil
}

// handlePresenceQuery answers with the online state of each requested
// device of the caller's tenant. Devices of other tenants and unknown ids
// are left out.
func (r *Router) handlePresenceQuery(ctx context.Context, s *session, env protocol.Envelope) error {
	var q protocol.PresenceQuery
	if err := env.Decode(&q); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(q.DeviceIDs) > maxPresenceQuery {
		return fmt.Errorf("%w: at most %d devices per query", errBadRequest, maxPresenceQuery)
	}
	if q.RequestID == "" {
		q.RequestID = env.ID
	}

	state := protocol.PresenceState{RequestID: q.RequestID, Devices: make(map[string]bool, len(q.DeviceIDs))}
	for _, raw := range q.DeviceIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		dev, err := r.dir.GetDevice(ctx, id.String())
		if err != nil {
			return fmt.Errorf("lookup device %s: %w", id, err)
		}
		if dev == nil || dev.TenantID != s.principal.TenantID.String() {
			continue
		}
		online, err := r.bp.Online(ctx, backplane.PrincipalTopic(id))
		if err != nil {
			return fmt.Errorf("presence of %s: %w", id, err)
		}
		state.Devices[id.String()] = online
	}
	return s.Send(protocol.NewEnvelope(protocol.TypePresenceState, state))
}

// handleCommandResponse stamps the device identity onto a response and
// routes it to the instance that dispatched the command.
func (r *Router) handleCommandResponse(ctx context.Context, s *session, env protocol.Envelope) error {
	var resp protocol.CommandResponse
	if err := env.Decode(&resp); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	resp.DeviceID = s.principal.ID.String()
	resp.TenantID = s.principal.TenantID.String()

	if resp.ReplyTo == "" || resp.ReplyTo == r.instanceTopic {
		r.resolve(resp)
		return nil
	}
	prefix, _, err := backplane.ParseTopic(resp.ReplyTo)
	if err != nil || prefix != backplane.PrefixInstance {
		r.metrics.unknownResponse()
		return fmt.Errorf("%w: invalid reply_to %q", errBadRequest, resp.ReplyTo)
	}

	out := protocol.NewEnvelope(protocol.TypeCommandResponse, resp)
	out.ID = env.ID
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	n, err := r.bp.Publish(ctx, resp.ReplyTo, data)
	if err != nil {
		return fmt.Errorf("forward response: %w", err)
	}
	if n == 0 {
		// The dispatching instance is gone and its batch with it.
		r.metrics.unknownResponse()
		r.logger.Debug("response for departed instance dropped", "command_id", resp.CommandID, "reply_to", resp.ReplyTo)
	}
	return nil
}
