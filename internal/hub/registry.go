package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/noradhub/internal/metrics"
)

// Peer is one connected telescope as seen by the hub.
type Peer interface {
	ID() uuid.UUID
	RemoteAddr() string
	ConnectedAt() time.Time
	Send(payload []byte) error
	Close() error
}

// Descriptor is the diagnostic view of a connected peer.
type Descriptor struct {
	ID          uuid.UUID `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Describe builds the Descriptor of p.
func Describe(p Peer) Descriptor {
	return Descriptor{ID: p.ID(), RemoteAddr: p.RemoteAddr(), ConnectedAt: p.ConnectedAt()}
}

// Registry tracks the authenticated peers. Add and Remove are safe to call
// concurrently with Snapshot and with each other.
type Registry struct {
	mu      sync.RWMutex
	peers   map[uuid.UUID]Peer
	metrics *metrics.HubMetrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.HubMetrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		peers:   make(map[uuid.UUID]Peer),
		metrics: m,
		logger:  logger.With("component", "registry"),
	}
}

// Add admits p and returns the new peer count.
func (r *Registry) Add(p Peer) int {
	r.mu.Lock()
	r.peers[p.ID()] = p
	count := len(r.peers)
	r.mu.Unlock()

	r.setGauge(count)
	r.logger.Info("Telescope registered", "peer", p.ID(), "remote_addr", p.RemoteAddr(), "total", count)
	return count
}

// Remove drops p. It reports false when p was not registered, so the receive
// loop and broadcast pruning can both call it for the same peer.
func (r *Registry) Remove(p Peer) bool {
	r.mu.Lock()
	current, ok := r.peers[p.ID()]
	if !ok || current != p {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, p.ID())
	count := len(r.peers)
	r.mu.Unlock()

	r.setGauge(count)
	r.logger.Info("Telescope unregistered", "peer", p.ID(), "remote_addr", p.RemoteAddr(), "total", count)
	return true
}

// Contains reports whether p is registered.
func (r *Registry) Contains(p Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.peers[p.ID()]
	return ok && current == p
}

// Snapshot returns a point-in-time copy of the registered peers.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Descriptors lists the registered peers, oldest connection first.
func (r *Registry) Descriptors() []Descriptor {
	peers := r.Snapshot()
	out := make([]Descriptor, 0, len(peers))
	for _, p := range peers {
		out = append(out, Describe(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// CloseAll removes and closes every registered peer and returns how many
// were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		peers = append(peers, p)
		delete(r.peers, id)
	}
	r.mu.Unlock()

	r.setGauge(0)
	for _, p := range peers {
		if err := p.Close(); err != nil {
			r.logger.Debug("Error closing telescope connection", "peer", p.ID(), "error", err)
		}
	}
	return len(peers)
}

func (r *Registry) setGauge(count int) {
	if r.metrics != nil {
		r.metrics.ConnectedTelescopes.Set(float64(count))
	}
}
