package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// session is one live WebSocket connection. It implements registry.Session.
type session struct {
	id        string
	principal auth.Principal
	conn      *websocket.Conn
	limiter   *rate.Limiter

	ctx    context.Context // carries the principal; canceled on disconnect
	cancel context.CancelFunc

	mu sync.Mutex // serializes writes

	subMu        sync.Mutex
	unsubscribe  func()
	presenceStop func() // set while subscribed to tenant presence
}

func (s *session) ID() string                { return s.id }
func (s *session) Principal() auth.Principal { return s.principal }

// Send writes env as one text frame.
func (s *session) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return s.write(data)
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) sendError(code, message, requestID string) {
	_ = s.Send(protocol.NewEnvelope(protocol.TypeErrorResponse, protocol.ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}))
}

// close sends a close frame and tears the connection down, which ends the
// read loop.
func (s *session) close(code int, reason string) {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.mu.Unlock()
	_ = s.conn.Close()
}

// setPresence stores the release function of a tenant subscription and
// reports false if one is already held.
func (s *session) setPresence(stop func()) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.presenceStop != nil {
		return false
	}
	s.presenceStop = stop
	return true
}

func (s *session) presenceSubscribed() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.presenceStop != nil
}

// releasePresence drops the tenant subscription, if any.
func (s *session) releasePresence() {
	s.subMu.Lock()
	stop := s.presenceStop
	s.presenceStop = nil
	s.subMu.Unlock()
	if stop != nil {
		stop()
	}
}

// release drops every backplane subscription the session holds.
func (s *session) release() {
	s.releasePresence()
	s.subMu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.subMu.Unlock()
	if unsub != nil {
		unsub()
	}
}
