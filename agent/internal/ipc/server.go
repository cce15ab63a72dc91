package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fleetrelay/fleetrelay/agent/internal/eventbus"
)

const maxRequestBytes = 64 * 1024

// Server listens on a Unix socket and answers status requests.
type Server struct {
	path     string
	provider StatusProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// NewServer creates a status server on socketPath.
func NewServer(socketPath string, provider StatusProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc"),
		done:     make(chan struct{}),
		clients:  make(map[net.Conn]struct{}),
	}
}

// Start begins listening. It returns once the socket is bound.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	// A previous agent may have left its socket behind.
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	_ = os.Chmod(s.path, 0600)
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("status socket listening", "path", s.path)
	return nil
}

// Close stops accepting, disconnects clients and removes the socket.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeLine(conn, Response{Type: TypeError, Data: marshalRaw(map[string]string{"error": "invalid request"})})
			continue
		}

		switch req.Method {
		case MethodStatus:
			_ = writeLine(conn, Response{ID: req.ID, Type: TypeResult, Data: marshalRaw(s.provider.Status())})
		case MethodSubscribe:
			var params SubscribeParams
			if len(req.Params) > 0 {
				_ = json.Unmarshal(req.Params, &params)
			}
			// Streaming takes over the connection until either side closes.
			s.stream(conn, req.ID, params)
			return
		default:
			_ = writeLine(conn, Response{ID: req.ID, Type: TypeError, Data: marshalRaw(map[string]string{"error": "unknown method: " + req.Method})})
		}
	}
}

func (s *Server) stream(conn net.Conn, reqID string, params SubscribeParams) {
	ch := s.bus.Subscribe(params.Events...)
	defer s.bus.Unsubscribe(ch)

	if err := writeLine(conn, Response{ID: reqID, Type: TypeResult, Data: marshalRaw(map[string]string{"status": "subscribed"})}); err != nil {
		return
	}

	// Detect the client going away while no events flow.
	gone := make(chan struct{})
	go func() {
		_, _ = conn.Read(make([]byte, 1))
		close(gone)
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			resp := Response{Type: TypeEvent, Data: marshalRaw(Event{Type: evt.Type, Timestamp: evt.Timestamp, Data: evt.Data})}
			if err := writeLine(conn, resp); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.done:
			return
		}
	}
}

func writeLine(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}
