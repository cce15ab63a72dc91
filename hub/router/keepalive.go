package router

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingInterval is how often the hub pings an idle peer.
	pingInterval = 30 * time.Second
	// pongWait is how long a peer may stay silent before it is dropped.
	pongWait = 60 * time.Second
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// keepalive arms the read deadline, extends it on every pong and pings
// the peer until stop is called. Pings share the session write lock.
func (s *session) keepalive() (stop func()) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				s.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
