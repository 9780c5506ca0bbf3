package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ErrConnClosed is returned by Send after the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// ConnOptions tunes a single telescope connection.
type ConnOptions struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	RateLimit      RateLimit
}

// RateLimit allows Burst inbound messages per RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = 5
	}
	if o.RateLimit.RefillInterval <= 0 {
		o.RateLimit.RefillInterval = time.Second
	}
	return o
}

func (r RateLimit) limiter() *rate.Limiter {
	perSecond := float64(r.Burst) / r.RefillInterval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), r.Burst)
}

// Conn is a telescope connection over gorilla/websocket. It satisfies
// hub.Handshaker. Writes are serialised; Close may be called from any
// goroutine, any number of times.
type Conn struct {
	id          uuid.UUID
	ws          *websocket.Conn
	addr        string
	connectedAt time.Time
	opts        ConnOptions
	limiter     *rate.Limiter
	logger      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn, addr string, opts ConnOptions, logger *slog.Logger) *Conn {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ws.SetReadLimit(opts.MaxMessageSize)

	id := uuid.New()
	return &Conn{
		id:          id,
		ws:          ws,
		addr:        addr,
		connectedAt: time.Now().UTC(),
		opts:        opts,
		limiter:     opts.RateLimit.limiter(),
		logger:      logger.With("peer", id, "remote_addr", addr),
		closed:      make(chan struct{}),
	}
}

func (c *Conn) ID() uuid.UUID          { return c.id }
func (c *Conn) RemoteAddr() string     { return c.addr }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Send writes one text message within the write timeout.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// ReadCredential reads the first message, which must arrive within timeout.
func (c *Conn) ReadCredential(timeout time.Duration) ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close sends a close frame and tears down the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("Error writing close frame", "error", err)
		}
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// readLoop keeps the connection alive and logs inbound telemetry until the
// peer goes away or the connection is closed.
func (c *Conn) readLoop() {
	c.setupReadConnection()

	go c.pingLoop()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.limiter.Allow() {
			c.logger.Warn("Telemetry rate limit exceeded; discarding message",
				"burst", c.opts.RateLimit.Burst,
				"interval", c.opts.RateLimit.RefillInterval,
			)
			continue
		}
		c.logger.Info("Received telemetry", "message", string(raw))
	}
}

func (c *Conn) setupReadConnection() {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting read deadline", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Conn) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", "max_bytes", c.opts.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Info("Telescope disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("Telescope connection closed", "reason", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Warn("Error writing ping", "error", err)
				}
				_ = c.Close()
				return
			}
		}
	}
}
