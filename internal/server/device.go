package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/noradhub/internal/hub"
)

// Admitter authenticates a freshly upgraded connection and registers it.
type Admitter interface {
	Admit(c hub.Handshaker) error
}

// Unregisterer forgets a peer that went away.
type Unregisterer interface {
	Remove(p hub.Peer) bool
}

// DeviceServer upgrades telescope connections on any path, runs the
// authentication handshake and then keeps each admitted connection alive
// until it disconnects or the server shuts down.
type DeviceServer struct {
	gate     Admitter
	registry Unregisterer
	upgrader websocket.Upgrader
	opts     ConnOptions
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewDeviceServer creates a device server admitting connections through gate
// and removing them from registry when they end.
func NewDeviceServer(gate Admitter, registry Unregisterer, origins *OriginPolicy, opts ConnOptions, logger *slog.Logger) *DeviceServer {
	if logger == nil {
		logger = slog.Default()
	}
	if origins == nil {
		origins = NewOriginPolicy(nil, logger)
	}
	return &DeviceServer{
		gate:     gate,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.Allow,
		},
		opts:   opts.withDefaults(),
		logger: logger.With("component", "device_server"),
		conns:  make(map[*Conn]struct{}),
	}
}

// ServeHTTP handles one telescope connection for its whole lifetime.
func (s *DeviceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := NewConn(ws, r.RemoteAddr, s.opts, s.logger)
	if !s.track(c) {
		_ = c.Close()
		return
	}
	defer s.untrack(c)

	c.logger.Info("Telescope connected, awaiting authentication")
	if err := s.gate.Admit(c); err != nil {
		return
	}

	c.readLoop()

	if s.registry.Remove(c) {
		c.logger.Info("Telescope unregistered")
	}
	_ = c.Close()
}

func (s *DeviceServer) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *DeviceServer) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// ActiveConnections counts connections in any state, pending or admitted.
func (s *DeviceServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection, including those still authenticating,
// and waits for their handlers to return or for timeout to elapse.
func (s *DeviceServer) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			s.logger.Warn("Error closing telescope connection", "remote_addr", c.RemoteAddr(), "error", err)
		}
	}
	s.logger.Info("Closed telescope connections", "count", len(conns))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Device server shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Device server shutdown timeout reached, some handlers may still be running")
		return context.DeadlineExceeded
	}
}
