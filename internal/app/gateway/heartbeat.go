package gateway

import (
	"math/rand/v2"
	"sync"
	"time"
)

// JitteredInterval picks a heartbeat interval in [base, base+jitter] so that
// clients reconnecting together do not beat in lockstep.
func JitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + rand.N(jitter+1)
}

// HeartbeatMonitor closes a connection whose client misses one deadline.
// The deadline is interval+grace after the last beat.
type HeartbeatMonitor struct {
	interval  time.Duration
	grace     time.Duration
	onTimeout func()

	mu      sync.Mutex
	timer   *time.Timer
	last    time.Time
	stopped bool
}

func NewHeartbeatMonitor(interval, grace time.Duration, onTimeout func()) *HeartbeatMonitor {
	return &HeartbeatMonitor{interval: interval, grace: grace, onTimeout: onTimeout}
}

func (m *HeartbeatMonitor) Interval() time.Duration { return m.interval }

func (m *HeartbeatMonitor) Deadline() time.Duration { return m.interval + m.grace }

// Start arms the first deadline. Calling it twice is a no-op.
func (m *HeartbeatMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil || m.stopped {
		return
	}
	m.last = time.Now()
	m.timer = time.AfterFunc(m.Deadline(), m.fire)
}

// Beat records a heartbeat and pushes the deadline out.
func (m *HeartbeatMonitor) Beat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.last = time.Now()
	if m.timer == nil {
		m.timer = time.AfterFunc(m.Deadline(), m.fire)
		return
	}
	m.timer.Reset(m.Deadline())
}

func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *HeartbeatMonitor) LastBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *HeartbeatMonitor) fire() {
	m.mu.Lock()
	if m.stopped || time.Since(m.last) < m.Deadline() {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.onTimeout()
}
