package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/noradhub/internal/metrics"
)

// CommandLoadNoradIDs is the command name of the steady-state broadcast.
const CommandLoadNoradIDs = "LoadNoradIDs"

const maxParallelSends = 32

// LoadNoradIDsMessage is pushed to every telescope.
type LoadNoradIDsMessage struct {
	Command  string `json:"command"`
	NoradIDs []int  `json:"norad_ids"`
}

// NewLoadNoradIDsMessage builds the broadcast payload; nil ids encode as [].
func NewLoadNoradIDsMessage(ids []int) LoadNoradIDsMessage {
	if ids == nil {
		ids = []int{}
	}
	return LoadNoradIDsMessage{Command: CommandLoadNoradIDs, NoradIDs: ids}
}

// Result reports the outcome of one broadcast.
type Result struct {
	Targeted  int          `json:"targeted"`
	Delivered int          `json:"delivered"`
	Pruned    []Descriptor `json:"pruned"`
}

// Engine pushes identifier lists to the registered peers.
type Engine struct {
	registry *Registry
	metrics  *metrics.HubMetrics
	logger   *slog.Logger
}

// NewEngine creates an engine broadcasting to registry. m may be nil.
func NewEngine(registry *Registry, m *metrics.HubMetrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "broadcast"),
	}
}

// Broadcast sends ids to every peer in a registry snapshot. Each send is
// independent: a failed peer is removed and closed, the others still receive
// the message. Failed sends are not retried.
func (e *Engine) Broadcast(trigger string, ids []int) Result {
	peers := e.registry.Snapshot()
	result := Result{Targeted: len(peers), Pruned: []Descriptor{}}

	if e.metrics != nil {
		e.metrics.Broadcasts.WithLabelValues(trigger).Inc()
	}

	payload, err := json.Marshal(NewLoadNoradIDsMessage(ids))
	if err != nil {
		e.logger.Error("Failed to encode broadcast", "error", err)
		return result
	}

	var (
		mu     sync.Mutex
		failed []Peer
	)

	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, p := range peers {
		g.Go(func() error {
			if err := p.Send(payload); err != nil {
				e.logger.Warn("Send to telescope failed", "peer", p.ID(), "remote_addr", p.RemoteAddr(), "error", err)
				mu.Lock()
				failed = append(failed, p)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range failed {
		if e.registry.Remove(p) {
			result.Pruned = append(result.Pruned, Describe(p))
			e.logger.Info("Pruned unreachable telescope", "peer", p.ID(), "remote_addr", p.RemoteAddr())
		}
		_ = p.Close()
	}

	result.Delivered = len(peers) - len(failed)
	if e.metrics != nil {
		e.metrics.MessagesSent.Add(float64(result.Delivered))
		e.metrics.PrunedConnections.Add(float64(len(result.Pruned)))
	}

	e.logger.Info("Broadcasted NORAD IDs",
		"trigger", trigger,
		"norad_ids", ids,
		"delivered", result.Delivered,
		"pruned", len(result.Pruned),
	)
	return result
}
