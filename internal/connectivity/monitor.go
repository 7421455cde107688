// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwalitptl/syncqueue/pkg/logger"
)

const (
	DefaultInterval     = 15 * time.Second
	DefaultCheckTimeout = 5 * time.Second
)

// Pinger checks reachability. apiclient.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor pings the backend on an interval and keeps an online flag.
// Listeners registered with OnRestored run on every offline -> online
// transition.
type Monitor struct {
	pinger       Pinger
	interval     time.Duration
	checkTimeout time.Duration
	logger       *logger.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners []func()
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.checkTimeout = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor starts out online, the same optimistic default a browser
// reports before its first network event.
func NewMonitor(pinger Pinger, opts ...Option) *Monitor {
	m := &Monitor{
		pinger:       pinger,
		interval:     DefaultInterval,
		checkTimeout: DefaultCheckTimeout,
		logger:       logger.Nop(),
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

func (m *Monitor) OnRestored(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start checks immediately and then on every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one ping and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	err := m.pinger.Ping(checkCtx)
	cancel()

	m.Set(err == nil)
	if err != nil {
		m.logger.Debug("backend unreachable", "error", err)
	}
	return err == nil
}

// Set records an externally observed state.
func (m *Monitor) Set(online bool) {
	was := m.online.Swap(online)
	switch {
	case online && !was:
		m.logger.Info("connectivity restored")
		m.mu.Lock()
		listeners := append([]func(){}, m.listeners...)
		m.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}
	case !online && was:
		m.logger.Warn("connectivity lost")
	}
}
