package hub

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/noradhub/internal/metrics"
)

// ErrUnauthorized is returned when a connection fails its handshake.
var ErrUnauthorized = errors.New("unauthorized")

var unauthorizedPayload = []byte(`{"error":"Unauthorized access"}`)

// Handshaker is a Peer that can read its first inbound message.
type Handshaker interface {
	Peer
	ReadCredential(timeout time.Duration) ([]byte, error)
}

// Credential is the first message a telescope sends. Token is the field name
// used by earlier clients; AccessCode wins when both are present.
type Credential struct {
	AccessCode *string `json:"access_code"`
	Token      *string `json:"token"`
}

func (c Credential) secret() (string, bool) {
	if c.AccessCode != nil {
		return *c.AccessCode, true
	}
	if c.Token != nil {
		return *c.Token, true
	}
	return "", false
}

// AuthGate admits connections that present the shared secret in their first
// message. Authentication happens once per connection.
type AuthGate struct {
	secret   []byte
	timeout  time.Duration
	registry *Registry
	metrics  *metrics.HubMetrics
	logger   *slog.Logger
}

// NewAuthGate creates a gate that admits into registry. m may be nil.
func NewAuthGate(secret string, timeout time.Duration, registry *Registry, m *metrics.HubMetrics, logger *slog.Logger) *AuthGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthGate{
		secret:   []byte(secret),
		timeout:  timeout,
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "auth_gate"),
	}
}

// Admit runs the handshake for c. On success c is in the registry; on failure
// c has been sent an Unauthorized notice (best effort), closed, and the
// returned error wraps ErrUnauthorized.
func (g *AuthGate) Admit(c Handshaker) error {
	raw, err := c.ReadCredential(g.timeout)
	if err != nil {
		return g.reject(c, fmt.Errorf("read credential: %w", err))
	}

	if err := g.Verify(raw); err != nil {
		return g.reject(c, err)
	}

	g.registry.Add(c)
	return nil
}

// Verify checks a raw credential payload against the shared secret.
func (g *AuthGate) Verify(raw []byte) error {
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return fmt.Errorf("parse credential: %w", err)
	}
	secret, ok := cred.secret()
	if !ok {
		return errors.New("credential missing access_code")
	}
	if subtle.ConstantTimeCompare([]byte(secret), g.secret) != 1 {
		return errors.New("access code mismatch")
	}
	return nil
}

func (g *AuthGate) reject(c Handshaker, cause error) error {
	if g.metrics != nil {
		g.metrics.AuthFailures.Inc()
	}
	g.logger.Warn("Rejected telescope connection", "peer", c.ID(), "remote_addr", c.RemoteAddr(), "reason", cause)

	if err := c.Send(unauthorizedPayload); err != nil {
		g.logger.Debug("Could not deliver unauthorized notice", "peer", c.ID(), "error", err)
	}
	if err := c.Close(); err != nil {
		g.logger.Debug("Error closing rejected connection", "peer", c.ID(), "error", err)
	}
	return fmt.Errorf("%w: %w", ErrUnauthorized, cause)
}
