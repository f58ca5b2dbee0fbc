// Package connwatch watches the assistant's remote dependencies (the
// model provider, Postgres, Qdrant) and keeps a current health status
// for each, which the ops API reports on /healthz.
//
// A watcher probes in two phases. At startup it retries with
// exponential backoff so a dependency that is still booting is picked
// up quickly. After that it polls on a fixed interval and logs every
// ready/down transition.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the values from
// [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration // first startup retry delay
	MaxDelay     time.Duration // ceiling for the doubling delay
	MaxRetries   int           // startup attempts before falling back to polling
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... capped at 60s for up to 8
// attempts, then polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   8,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is one dependency's health, as served on /healthz.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	name    string
	probeFn ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{Name: w.name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("service connected", "service", w.name, "after_attempts", attempt)
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.name, "attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("startup probe failed, retrying",
			"service", w.name, "attempt", attempt, "next_delay", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasReady := w.IsReady()
			err := w.check(ctx)
			switch {
			case wasReady && err != nil:
				w.logger.Warn("service became unreachable", "service", w.name, "error", err)
			case !wasReady && err == nil:
				w.logger.Info("service recovered", "service", w.name)
			}
		}
	}
}

// check runs one probe and records its outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	err := w.probeFn(probeCtx)

	w.mu.Lock()
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers that share one backoff schedule.
type Manager struct {
	backoff Backoff
	logger  *slog.Logger
	cancel  context.CancelFunc
	ctx     context.Context

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager whose watchers run until ctx is
// cancelled or [Manager.Stop] is called.
func NewManager(ctx context.Context, backoff Backoff, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		backoff:  backoff.withDefaults(),
		logger:   logger.With("component", "connwatch"),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service in the background. Watching a name
// twice replaces nothing and returns the existing watcher.
func (m *Manager) Watch(name string, probe ProbeFunc) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[name]; ok {
		return w
	}
	w := &Watcher{
		name:    name,
		probeFn: probe,
		backoff: m.backoff,
		logger:  m.logger,
		done:    make(chan struct{}),
	}
	m.watchers[name] = w
	go w.run(m.ctx)
	return w
}

// Status returns every watched service's status, keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop cancels all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		<-w.done
	}
}
