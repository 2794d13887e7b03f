// Package connectivity turns periodic health probes into online/offline
// transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks whether the backend is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Transition is one change of the connectivity state.
type Transition struct {
	Online bool
	At     time.Time
	// Err is the probe error that took the monitor offline, if any.
	Err error
}

// Monitor tracks connectivity. It starts offline and emits a Transition to
// every subscriber on each edge, never for a repeated state.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan Transition
	nextID int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a monitor probing every interval. A nil prober makes
// the monitor purely manual, driven by Set.
func NewMonitor(prober Prober, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		prober:       prober,
		interval:     interval,
		probeTimeout: 5 * time.Second,
		logger:       slog.Default(),
		subs:         make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connectivity")
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of transitions and a function to stop the
// subscription. The channel is buffered; a subscriber too slow to drain it
// misses intermediate transitions but always sees the latest one.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 1)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Set records the connectivity state reported by the platform or by a
// probe. It reports whether the state changed.
func (m *Monitor) Set(online bool) bool {
	return m.set(online, nil)
}

func (m *Monitor) set(online bool, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	t := Transition{Online: online, At: time.Now().UTC(), Err: cause}

	if online {
		m.logger.Info("backend reachable", "action", "online")
	} else {
		m.logger.Warn("backend unreachable", "action", "offline", "error", cause)
	}

	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			// Replace the undelivered transition with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- t
		}
	}
	return true
}

// Probe runs one health probe and updates the state.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Shutting down, not a connectivity signal.
		return m.Online()
	}
	m.set(err == nil, err)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil || m.interval <= 0 {
		<-ctx.Done()
		return
	}
	m.logger.Info("connectivity monitor started", "action", "start", "interval", m.interval.String())

	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity monitor stopped", "action", "stop")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
