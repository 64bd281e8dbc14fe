// Package netmon reports device network reachability to the sync scheduler.
//
// The monitor is an optimization, not a dependency: the scheduler's heartbeat
// drains run regardless of what the monitor says, because some platforms
// cannot reliably report reachability. Callers treat StatusUnknown as
// reachable and let the remote call itself be the real test.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"
)

// Status is a point-in-time reachability verdict.
type Status int

const (
	StatusUnknown Status = iota
	StatusReachable
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusReachable:
		return "reachable"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Online reports whether callers should attempt network work. Unknown is
// treated optimistically.
func (s Status) Online() bool {
	return s != StatusUnreachable
}

// Monitor exposes a point-in-time reachability check and a subscription for
// connected transitions.
type Monitor interface {
	// Status returns the current reachability verdict.
	Status(ctx context.Context) Status

	// Subscribe registers fn to run each time connectivity transitions to
	// connected. The returned function cancels the subscription.
	Subscribe(fn func()) (cancel func())
}

// DialMonitor wraps the operating system's network signal with a cheap TCP
// dial probe against the API host. While it has subscribers it watches for
// down-to-up transitions and notifies them.
type DialMonitor struct {
	addr    string
	timeout time.Duration
	period  time.Duration

	mu      sync.Mutex
	subs    map[int]func()
	nextID  int
	last    Status
	stopCh  chan struct{}
	stopped bool
}

// NewDialMonitor probes addr (host:port, typically the API endpoint).
// period controls how often the transition watcher re-checks while
// subscribers exist.
func NewDialMonitor(addr string, period time.Duration) *DialMonitor {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &DialMonitor{
		addr:    addr,
		timeout: 3 * time.Second,
		period:  period,
		subs:    make(map[int]func()),
		last:    StatusUnknown,
	}
}

// Status implements Monitor.
func (m *DialMonitor) Status(ctx context.Context) Status {
	d := net.Dialer{Timeout: m.timeout}
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		if ctx.Err() != nil {
			return StatusUnknown
		}
		return StatusUnreachable
	}
	_ = conn.Close()
	return StatusReachable
}

// Subscribe implements Monitor. The first subscriber starts the transition
// watcher; cancelling the last one stops it.
func (m *DialMonitor) Subscribe(fn func()) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	if m.stopCh == nil {
		m.stopCh = make(chan struct{})
		m.stopped = false
		go m.watch(m.stopCh)
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
		if len(m.subs) == 0 && m.stopCh != nil && !m.stopped {
			close(m.stopCh)
			m.stopCh = nil
			m.stopped = true
		}
	}
}

// watch polls for down-to-up transitions and fans out connected events.
func (m *DialMonitor) watch(stop chan struct{}) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			cur := m.Status(ctx)
			cancel()

			m.mu.Lock()
			prev := m.last
			m.last = cur
			var fns []func()
			if cur == StatusReachable && prev == StatusUnreachable {
				for _, fn := range m.subs {
					fns = append(fns, fn)
				}
			}
			m.mu.Unlock()

			for _, fn := range fns {
				fn()
			}
		}
	}
}

// StaticMonitor is a Monitor with a settable status. It serves tests and
// platforms with no usable connectivity signal, where the scheduler's
// heartbeat is the only trigger.
type StaticMonitor struct {
	mu     sync.Mutex
	status Status
	subs   map[int]func()
	nextID int
}

// NewStaticMonitor returns a monitor pinned to the given status.
func NewStaticMonitor(status Status) *StaticMonitor {
	return &StaticMonitor{status: status, subs: make(map[int]func())}
}

// Status implements Monitor.
func (m *StaticMonitor) Status(context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Set changes the reported status. A transition to reachable notifies
// subscribers, mirroring the platform "connected" event.
func (m *StaticMonitor) Set(status Status) {
	m.mu.Lock()
	prev := m.status
	m.status = status
	var fns []func()
	if status == StatusReachable && prev != StatusReachable {
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscribe implements Monitor.
func (m *StaticMonitor) Subscribe(fn func()) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
