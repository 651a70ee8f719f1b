// Package health polls the playground health endpoint on a fixed
// interval and exposes the result as a connection state. The monitor's
// state is independent of the event stream's; a healthy API with no
// open stream and a broken API behind a live stream are both real
// situations the status line needs to show.
package health

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

var ErrMonitorAlreadyStarted = errors.New("health monitor already started")

// Status is the probe outcome the monitor settles into after each tick.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Prober is satisfied by the request client's Health method.
type Prober interface {
	Health(ctx context.Context) error
}

type Monitor struct {
	prober Prober
	logger *log.Logger

	interval time.Duration
	timeout  time.Duration
	onChange func(Status)

	mu      sync.Mutex
	status  Status
	lastErr error
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithTimeout bounds each individual probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.timeout = d
	}
}

// WithOnChange registers an observer invoked whenever the status
// actually changes, never on same-status re-probes.
func WithOnChange(fn func(Status)) Option {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

func New(prober Prober, logger *log.Logger, opts ...Option) *Monitor {
	if prober == nil {
		panic("health: prober is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Monitor{
		prober:   prober,
		logger:   logger,
		interval: defaultInterval,
		timeout:  defaultTimeout,
		status:   StatusUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start probes once immediately, then on every interval tick until Stop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrMonitorAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	m.running = true
	m.stopCh = stopCh
	m.doneCh = doneCh
	m.mu.Unlock()

	go m.run(stopCh, doneCh)
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.running = false
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastErr returns the failure behind the current unhealthy status, or
// nil when healthy.
func (m *Monitor) LastErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	m.probe()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.prober.Health(ctx)
	next := StatusHealthy
	if err != nil {
		next = StatusUnhealthy
	}

	m.mu.Lock()
	changed := m.status != next
	m.status = next
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		m.logger.Printf("health probe failed: %v", err)
	}
	if changed && m.onChange != nil {
		m.onChange(next)
	}
}
