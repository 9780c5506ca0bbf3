package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/noradhub/internal/metrics"
	"github.com/Tyrowin/noradhub/internal/norad"
)

const (
	defaultBroadcastInterval = 60 * time.Second
	defaultAuthTimeout       = 10 * time.Second
	taskQueueSize            = 64
)

var (
	// ErrHubStopped is returned by requests made after Run has returned.
	ErrHubStopped = errors.New("hub stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("hub already running")
)

// task is a unit of work executed on the hub goroutine.
type task struct {
	name string
	fn   func()
	done chan struct{}
}

// Hub owns the identifier store and the peer registry. Broadcasts and reloads
// only ever execute on the goroutine running Run; other goroutines hand work
// to it through the task queue.
type Hub struct {
	store    *norad.Store
	registry *Registry
	engine   *Engine
	gate     *AuthGate

	clock       clockwork.Clock
	interval    time.Duration
	authTimeout time.Duration
	metrics     *metrics.HubMetrics
	logger      *slog.Logger

	tasks   chan task
	stopped chan struct{}
	running atomic.Bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock sets the clock driving the periodic broadcast.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Hub) { h.clock = clock }
}

// WithInterval sets the periodic broadcast interval.
func WithInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithAuthTimeout bounds how long a new connection may take to authenticate.
func WithAuthTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.authTimeout = d
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.HubMetrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New wires a hub around store, admitting connections that present secret.
func New(store *norad.Store, secret string, opts ...Option) *Hub {
	h := &Hub{
		store:       store,
		clock:       clockwork.NewRealClock(),
		interval:    defaultBroadcastInterval,
		authTimeout: defaultAuthTimeout,
		logger:      slog.Default(),
		tasks:       make(chan task, taskQueueSize),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.registry = NewRegistry(h.metrics, h.logger)
	h.engine = NewEngine(h.registry, h.metrics, h.logger)
	h.gate = NewAuthGate(secret, h.authTimeout, h.registry, h.metrics, h.logger)
	h.logger = h.logger.With("component", "hub")
	return h
}

// Gate returns the admission gate for new connections.
func (h *Hub) Gate() *AuthGate { return h.gate }

// Registry returns the peer registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Store returns the identifier store.
func (h *Hub) Store() *norad.Store { return h.store }

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.stopped }

// Run broadcasts once, then every interval, and executes queued tasks until
// ctx is cancelled. On return every registered peer has been closed.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(h.stopped)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("Hub started", "broadcast_interval", h.interval)
	h.engine.Broadcast(metrics.TriggerPeriodic, h.store.Get())

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case <-ticker.Chan():
			h.engine.Broadcast(metrics.TriggerPeriodic, h.store.Get())

		case t := <-h.tasks:
			h.logger.Debug("Running hub task", "task", t.name)
			t.fn()
			close(t.done)
		}
	}
}

func (h *Hub) shutdown() {
	closed := h.registry.CloseAll()
	h.logger.Info("Hub stopped", "closed_connections", closed)
}

// submit hands fn to the hub goroutine and waits until it has run.
func (h *Hub) submit(ctx context.Context, name string, fn func()) error {
	t := task{name: name, fn: fn, done: make(chan struct{})}

	select {
	case h.tasks <- t:
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-h.stopped:
		select {
		case <-t.done:
			return nil
		default:
			return ErrHubStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestBroadcast broadcasts the current list on the hub goroutine and
// returns once every send has been attempted.
func (h *Hub) RequestBroadcast(ctx context.Context) (Result, error) {
	var result Result
	err := h.submit(ctx, "broadcast", func() {
		result = h.engine.Broadcast(metrics.TriggerManual, h.store.Get())
	})
	return result, err
}

// RequestReload re-reads the mirror file on the hub goroutine. It is the
// callback of the file watcher.
func (h *Hub) RequestReload(ctx context.Context) error {
	var reloadErr error
	err := h.submit(ctx, "reload", func() {
		reloadErr = h.store.ReloadFromDisk()
		if h.metrics != nil {
			result := "ok"
			if reloadErr != nil {
				result = "error"
			}
			h.metrics.Reloads.WithLabelValues(result).Inc()
		}
	})
	if err != nil {
		return err
	}
	return reloadErr
}

// UpdateNoradIDs is the control-plane mutation path: validate and replace the
// list, broadcast it to every telescope, then return the accepted list.
//
// Validation failures wrap norad.ErrInvalidFormat and change nothing. A mirror
// write failure still broadcasts the new in-memory list and is returned
// wrapped with norad.ErrPersist alongside the accepted ids.
func (h *Hub) UpdateNoradIDs(ctx context.Context, raw []byte) ([]int, error) {
	ids, err := h.store.ReplaceJSON(raw)
	if err != nil && !errors.Is(err, norad.ErrPersist) {
		return nil, err
	}

	persistErr := err
	if persistErr != nil && h.metrics != nil {
		h.metrics.PersistFailures.Inc()
	}

	var result Result
	if err := h.submit(ctx, "update", func() {
		result = h.engine.Broadcast(metrics.TriggerUpdate, h.store.Get())
	}); err != nil {
		return ids, fmt.Errorf("broadcast NORAD IDs: %w", err)
	}

	h.logger.Info("NORAD IDs updated", "norad_ids", ids, "delivered", result.Delivered, "pruned", len(result.Pruned))
	return ids, persistErr
}

// NoradIDs returns the current identifier list.
func (h *Hub) NoradIDs() []int {
	return h.store.Get()
}

// Telescopes describes the connected telescopes.
func (h *Hub) Telescopes() []Descriptor {
	return h.registry.Descriptors()
}

// TelescopeCount returns the number of connected telescopes.
func (h *Hub) TelescopeCount() int {
	return h.registry.Count()
}
