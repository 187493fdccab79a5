// Package connectivity tracks whether the remote is reachable and notifies
// subscribers when the state changes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one online/offline transition.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor holds the current connectivity state. The zero value is not
// usable; call NewMonitor.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	next   int
	logger *slog.Logger
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{online: online, subs: make(map[int]chan Event), logger: logger}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state and notifies subscribers on a transition.
// It reports whether the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	ev := Event{Online: online, At: time.Now()}
	m.logger.Info("connectivity changed", "online", online)
	for _, ch := range m.subs {
		// Subscribers that are not keeping up lose intermediate events; they
		// can always read Online for the latest state.
		select {
		case ch <- ev:
		default:
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a func that unsubscribes
// and closes it.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan Event, 4)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Prober checks whether the remote is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Poller probes the remote on an interval and feeds the result to a Monitor.
type Poller struct {
	monitor  *Monitor
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// Default probe settings.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// NewPoller creates a poller. Non-positive durations use the defaults.
func NewPoller(m *Monitor, p Prober, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{monitor: m, prober: p, interval: interval, timeout: timeout, logger: logger}
}

// Probe runs one check and updates the monitor. It returns the new state.
func (p *Poller) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.prober.Ping(ctx)
	if err != nil {
		p.logger.Debug("connectivity probe failed", "error", err)
	}
	online := err == nil
	p.monitor.Set(online)
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
