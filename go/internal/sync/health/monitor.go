// Package health detects backend liveness. When no session is active it
// polls a lightweight probe on a fixed interval; once the transport is
// authenticated, liveness is inferred from the transport's own signals and
// the probe is suspended to avoid redundant traffic.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Status is the observed backend liveness.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Config holds monitor tuning.
type Config struct {
	// Interval is the probe cadence in lightweight mode.
	Interval time.Duration
	// ProbeTimeout bounds each probe so failures resolve fast.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// ProbeFunc performs one liveness check, e.g. HEAD /health.
type ProbeFunc func(ctx context.Context) error

// ChangeFunc observes status edges with both the previous and new value.
type ChangeFunc func(previous, current Status)

// Monitor runs the liveness loop. Start it once; SetTransportObserved
// switches between the two modes as the lifecycle manager moves the
// transport in and out of a session.
type Monitor struct {
	cfg   Config
	clock clockwork.Clock
	probe ProbeFunc

	mu       sync.Mutex
	status   Status
	observed bool
	onChange ChangeFunc
	cancel   context.CancelFunc
	running  bool
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config, clock clockwork.Clock, probe ProbeFunc) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Monitor{
		cfg:    cfg,
		clock:  clock,
		probe:  probe,
		status: StatusUnknown,
	}
}

// OnChange registers the status-edge observer. Call before Start.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Status returns the last observed liveness.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start begins the probe loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	go m.loop(ctx)
	log.Debug().Dur("interval", m.cfg.Interval).Msg("health monitor started")
}

// Stop tears the loop down. Idempotent and safe to call during teardown of
// the whole timer set.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		log.Debug().Msg("health monitor stopped")
	}
}

// SetTransportObserved switches between lightweight probing (false) and
// transport-observed liveness (true). In observed mode the periodic probe
// is suspended.
func (m *Monitor) SetTransportObserved(observed bool) {
	m.mu.Lock()
	m.observed = observed
	m.mu.Unlock()
	log.Debug().Bool("transport_observed", observed).Msg("health mode switched")
}

// ObserveTransport feeds a transport connect/disconnect signal into the
// monitor. Only honored in transport-observed mode.
func (m *Monitor) ObserveTransport(connected bool) {
	m.mu.Lock()
	observed := m.observed
	m.mu.Unlock()
	if !observed {
		return
	}
	if connected {
		m.setStatus(StatusOnline)
	} else {
		m.setStatus(StatusOffline)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		m.mu.Lock()
		observed := m.observed
		m.mu.Unlock()
		if observed {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.probe(probeCtx)
		cancel()

		if err != nil {
			m.setStatus(StatusOffline)
		} else {
			m.setStatus(StatusOnline)
		}
	}
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	prev := m.status
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	fn := m.onChange
	m.mu.Unlock()

	log.Info().
		Str("previous", string(prev)).
		Str("current", string(s)).
		Msg("backend liveness changed")

	if fn != nil {
		fn(prev, s)
	}
}
