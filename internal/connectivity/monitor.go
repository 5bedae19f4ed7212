// Package connectivity is the single source of truth for "are we online".
package connectivity

import (
	"context"
	"sync"
	"time"

	"pos-sync-agent/internal/util"

	"go.uber.org/zap"
)

// ProbeFunc checks reachability of the remote; nil error means online.
type ProbeFunc func(ctx context.Context) error

// Monitor polls the probe on an interval and publishes genuine online/offline
// transitions to subscribers. Flapping probes are debounced: a transition is
// reported only after stableCount consecutive probes agree.
type Monitor struct {
	probe       ProbeFunc
	interval    time.Duration
	stableCount int
	logger      *zap.Logger

	mu       sync.Mutex
	online   bool
	streak   int
	subs     []chan bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	probeNow chan struct{}
}

// NewMonitor creates a monitor. The initial state is offline until the first
// successful probe.
func NewMonitor(probe ProbeFunc, interval time.Duration, stableCount int) *Monitor {
	if stableCount < 1 {
		stableCount = 1
	}
	return &Monitor{
		probe:       probe,
		interval:    interval,
		stableCount: stableCount,
		logger:      util.GetLogger(),
		probeNow:    make(chan struct{}, 1),
	}
}

// Start begins probing. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts probing. Idempotent. Subscriber channels stay open; they simply
// receive nothing further.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving the new state on every genuine
// transition. The channel is buffered; a slow subscriber drops intermediate
// transitions rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// CheckNow requests an immediate probe outside the regular interval.
func (m *Monitor) CheckNow() {
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx)
		case <-m.probeNow:
			m.observe(ctx)
		}
	}
}

func (m *Monitor) observe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	observed := err == nil

	m.mu.Lock()
	if observed == m.online {
		m.streak = 0
		m.mu.Unlock()
		return
	}
	m.streak++
	if m.streak < m.stableCount {
		m.mu.Unlock()
		return
	}
	m.online = observed
	m.streak = 0
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if observed {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}
	util.ConnectivityTransitions.Inc()

	for _, ch := range subs {
		select {
		case ch <- observed:
		default:
		}
	}
}
