package connectivity

import (
	"context"
	"sync"
	"time"

	"flack/internal/constants"
	"flack/internal/metrics"

	"github.com/sirupsen/logrus"
)

// HealthChecker is the slice of the backend client the monitor needs.
type HealthChecker interface {
	Health(ctx context.Context, authToken string) error
}

// StateListener receives connectivity transitions.
type StateListener interface {
	SetOnline(online bool)
}

// TokenSource returns the current session token, empty for anonymous.
type TokenSource func() string

// Monitor probes the backend on a ticker and reports reachability
// transitions to its listener. A manual override freezes the reported state
// until probing is resumed, so an operator can take the queue offline while
// the backend is still reachable.
type Monitor struct {
	checker       HealthChecker
	tokens        TokenSource
	listener      StateListener
	logger        *logrus.Logger
	probeInterval time.Duration
	probeTimeout  time.Duration

	mu       sync.Mutex
	online   bool
	override bool
	running  bool
	stopCh   chan struct{}
	probeNow chan struct{}
}

// NewMonitor creates a connectivity monitor. Zero durations fall back to the
// defaults.
func NewMonitor(checker HealthChecker, tokens TokenSource, listener StateListener, logger *logrus.Logger, probeInterval, probeTimeout time.Duration) *Monitor {
	if probeInterval <= 0 {
		probeInterval = time.Duration(constants.DefaultProbeIntervalSec) * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = time.Duration(constants.DefaultProbeTimeoutSec) * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Monitor{
		checker:       checker,
		tokens:        tokens,
		listener:      listener,
		logger:        logger,
		probeInterval: probeInterval,
		probeTimeout:  probeTimeout,
		stopCh:        make(chan struct{}),
		probeNow:      make(chan struct{}, 1),
	}
}

// Start begins probing. The first probe runs immediately so the queue does
// not sit offline for a full interval after startup.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("Connectivity monitor is already running")
		return
	}
	if m.stopCh == nil {
		m.stopCh = make(chan struct{})
	}
	m.running = true
	m.mu.Unlock()

	go m.probeLoop(ctx)
	m.logger.Info("Connectivity monitor started")
}

// Stop stops probing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.running = false
	m.logger.Info("Connectivity monitor stopped")
}

// Override pins the reported state and pauses the prober's writes. The
// prober keeps running but its results are discarded until Resume.
func (m *Monitor) Override(online bool) {
	m.mu.Lock()
	m.override = true
	m.mu.Unlock()

	m.logger.WithField("online", online).Info("Connectivity override set")
	m.setOnline(online, "override")
}

// Resume clears a manual override and schedules an immediate probe.
func (m *Monitor) Resume() {
	m.mu.Lock()
	cleared := m.override
	m.override = false
	m.mu.Unlock()

	if cleared {
		m.logger.Info("Connectivity override cleared, resuming probes")
	}
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// IsOnline reports the last state handed to the listener.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// IsOverridden reports whether a manual override is active.
func (m *Monitor) IsOverridden() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.override
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.getStopCh():
			return
		case <-m.probeNow:
			m.probe(ctx)
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// getStopCh safely retrieves the stop channel.
func (m *Monitor) getStopCh() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.stopCh
}

func (m *Monitor) probe(ctx context.Context) {
	m.mu.Lock()
	overridden := m.override
	m.mu.Unlock()
	if overridden {
		m.logger.Debug("Connectivity override active, skipping probe result")
		return
	}

	var token string
	if m.tokens != nil {
		token = m.tokens()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.checker.Health(probeCtx, token)
	cancel()

	if err != nil {
		m.logger.WithError(err).Debug("Backend health probe failed")
		m.setOnline(false, "probe")
		return
	}
	m.setOnline(true, "probe")
}

// setOnline records a state transition and notifies the listener. Repeated
// reports of the same state are dropped so the listener only sees edges. A
// probe result that lands after an override was set is discarded here, under
// the same lock that guards the override flag.
func (m *Monitor) setOnline(online bool, source string) {
	m.mu.Lock()
	if m.override && source != "override" {
		m.mu.Unlock()
		return
	}
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	state := "offline"
	gauge := 0.0
	if online {
		state = "online"
		gauge = 1.0
	}
	m.logger.WithFields(logrus.Fields{
		"state":  state,
		"source": source,
	}).Info("Backend connectivity changed")
	metrics.SetGauge("backend_online", gauge, nil, "Backend reachability, 1 when online")

	if m.listener != nil {
		m.listener.SetOnline(online)
	}
}
