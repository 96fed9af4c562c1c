// Package connectivity tracks whether the rent backend is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultFailThreshold = 2
)

// Transition is emitted whenever the online state flips.
type Transition struct {
	Online bool
	Reason string
	At     time.Time
}

// Prober reports whether the backend can currently be reached.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

type Options struct {
	Interval time.Duration
	// Failures is how many consecutive failed probes mark the monitor offline.
	Failures int
}

// Monitor holds the current online flag and fans out transitions.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	online   bool
	failures int
	subs     map[int]chan Transition
	nextSub  int
}

// NewMonitor starts in the given state. A nil prober disables Run and Probe;
// state then only changes through Set.
func NewMonitor(prober Prober, initial bool, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.Failures <= 0 {
		opts.Failures = defaultFailThreshold
	}
	return &Monitor{
		prober:    prober,
		interval:  opts.Interval,
		threshold: opts.Failures,
		online:    initial,
		subs:      make(map[int]chan Transition),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of transitions and a func to stop receiving.
// A slow reader loses intermediate transitions but always sees the latest one.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Transition, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Set forces the online state. Returns true when the state changed.
func (m *Monitor) Set(online bool, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	return m.setLocked(online, reason)
}

func (m *Monitor) setLocked(online bool, reason string) bool {
	if m.online == online {
		return false
	}
	m.online = online
	t := Transition{Online: online, Reason: reason, At: time.Now().UTC()}
	log.Info().Bool("online", online).Str("reason", reason).Msg("connectivity changed")
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			// replace the stale transition with the newest one
			select {
			case <-ch:
			default:
			}
			ch <- t
		}
	}
	return true
}

// Probe runs one probe and updates the state. One success is enough to go
// online; going offline takes the configured number of consecutive failures.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	err := m.prober.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.failures = 0
		m.setLocked(true, "probe succeeded")
		return true
	}
	m.failures++
	log.Debug().Err(err).Int("failures", m.failures).Msg("connectivity probe failed")
	if m.failures >= m.threshold {
		m.setLocked(false, err.Error())
	}
	return m.online
}

// Run probes at the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Probe(ctx)
		}
	}
}
