package main

import (
	"sync"
	"time"
)

// statusSnapshot is a point-in-time view of proxy liveness.
type statusSnapshot struct {
	UpstreamState string
	Clients       int
	FramesRelayed int64
	BytesRelayed  int64
	Reconnects    int64
	LastFrame     time.Time
}

// StatusStore aggregates proxy liveness for the dashboard, the state API and
// readiness probes. The Redis backend additionally publishes it for external
// scrapers when several proxy hosts share one dashboard.
type StatusStore interface {
	setUpstreamState(state string)
	clientConnected()
	clientDisconnected()
	frameRelayed(bytes int)
	reconnected()
	setReady(ready bool)
	setClosing(closing bool)
	isReady() bool
	isClosing() bool
	getStats() statusSnapshot
}

type memoryStatus struct {
	mu      sync.Mutex
	snap    statusSnapshot
	ready   bool
	closing bool
}

func newMemoryStatus() *memoryStatus {
	return &memoryStatus{snap: statusSnapshot{UpstreamState: "disconnected"}}
}

var _ StatusStore = (*memoryStatus)(nil)

func (m *memoryStatus) setUpstreamState(state string) {
	m.mu.Lock()
	m.snap.UpstreamState = state
	m.mu.Unlock()
}

func (m *memoryStatus) clientConnected() {
	m.mu.Lock()
	m.snap.Clients++
	m.mu.Unlock()
}

func (m *memoryStatus) clientDisconnected() {
	m.mu.Lock()
	if m.snap.Clients > 0 {
		m.snap.Clients--
	}
	m.mu.Unlock()
}

func (m *memoryStatus) frameRelayed(bytes int) {
	m.mu.Lock()
	m.snap.FramesRelayed++
	m.snap.BytesRelayed += int64(bytes)
	m.snap.LastFrame = time.Now()
	m.mu.Unlock()
}

func (m *memoryStatus) reconnected() {
	m.mu.Lock()
	m.snap.Reconnects++
	m.mu.Unlock()
}

func (m *memoryStatus) setReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStatus) setClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStatus) isReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *memoryStatus) isClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }

func (m *memoryStatus) getStats() statusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
