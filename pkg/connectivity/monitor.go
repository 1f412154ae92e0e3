// Package connectivity watches whether the cloud endpoint is reachable and
// fires hooks on transitions, so the engine can flush pending edits the
// moment the network returns.
package connectivity

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/opsuite/opsync/pkg/logger"
)

// Status is the reachability verdict.
type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	}
	return "unknown"
}

// Probe reports whether the cloud endpoint is currently reachable.
type Probe func(ctx context.Context) bool

// TCPProbe returns a Probe that dials the host of endpoint. Accepts ws,
// wss, http and https URLs as well as bare host:port.
func TCPProbe(endpoint string, timeout time.Duration) Probe {
	addr := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		addr = u.Host
		if u.Port() == "" {
			switch u.Scheme {
			case "wss", "https":
				addr = net.JoinHostPort(u.Hostname(), "443")
			case "ws", "http":
				addr = net.JoinHostPort(u.Hostname(), "80")
			}
		}
	}
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

const defaultProbeInterval = 15 * time.Second

// Params configures a Monitor.
type Params struct {
	Probe  Probe
	Logger logger.Logger

	// OnOnline runs when the status transitions to online. The engine
	// hangs a push-then-hydrate cycle here so offline edits go out before
	// remote state comes in.
	OnOnline func(ctx context.Context)

	// OnOffline runs when the status transitions to offline.
	OnOffline func()

	// ProbeInterval is how often the probe runs. Defaults to 15 seconds.
	ProbeInterval time.Duration
}

// Monitor polls a Probe and tracks the reachability status.
type Monitor struct {
	probe     Probe
	log       logger.Logger
	onOnline  func(ctx context.Context)
	onOffline func()
	interval  time.Duration

	mu     sync.Mutex
	status Status

	stop chan struct{}
	done chan struct{}
}

// New creates a stopped Monitor.
func New(p Params) *Monitor {
	if p.Logger == nil {
		p.Logger = logger.Default()
	}
	if p.ProbeInterval <= 0 {
		p.ProbeInterval = defaultProbeInterval
	}
	return &Monitor{
		probe:     p.Probe,
		log:       p.Logger,
		onOnline:  p.OnOnline,
		onOffline: p.OnOffline,
		interval:  p.ProbeInterval,
		status:    StatusUnknown,
	}
}

// Status returns the last verdict, StatusUnknown before the first probe.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Online reports whether the endpoint was reachable at the last probe.
func (m *Monitor) Online() bool {
	return m.Status() == StatusOnline
}

// Start probes immediately and then at the configured interval. Calling
// Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.check()
		for {
			select {
			case <-stop:
				return
			case <-time.After(m.interval):
			}
			m.check()
		}
	}()
}

// Stop halts probing. Safe when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stop == nil {
		m.mu.Unlock()
		return
	}
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	close(stop)
	<-done
}

// Check runs one probe synchronously and returns the resulting status,
// firing transition hooks as appropriate.
func (m *Monitor) Check() Status {
	return m.check()
}

func (m *Monitor) check() Status {
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), m.interval)
	next := StatusOffline
	if m.probe != nil && m.probe(probeCtx) {
		next = StatusOnline
	}
	cancelProbe()

	m.mu.Lock()
	prev := m.status
	m.status = next
	m.mu.Unlock()

	if prev == next {
		return next
	}

	switch next {
	case StatusOnline:
		m.log.Info("connectivity restored")
		if m.onOnline != nil {
			hookCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			m.onOnline(hookCtx)
			cancel()
		}
	case StatusOffline:
		if prev == StatusOnline {
			m.log.Warn("connectivity lost, queuing local changes")
		} else {
			m.log.Info("starting offline")
		}
		if m.onOffline != nil {
			m.onOffline()
		}
	}
	return next
}
