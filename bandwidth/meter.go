// Package bandwidth turns cumulative byte counters into throughput
// estimates.
//
// The counters are updated from many goroutines; the estimates are
// recomputed by a single sampler calling Update on a fixed cadence.
package bandwidth

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLowLimit is the out-throughput, in bytes per second, below which a
// router is considered starved.
const DefaultLowLimit = 32 * 1024

// Meter accumulates traffic totals and samples them into per-second rates.
type Meter struct {
	sent     atomic.Uint64
	received atomic.Uint64
	in       atomic.Uint64
	out      atomic.Uint64
	lowLimit uint64

	mu           sync.Mutex
	lastSent     uint64
	lastReceived uint64
	lastUpdate   time.Time
}

// NewMeter creates a meter classifying out-throughput below lowLimit as
// starved. A zero lowLimit selects DefaultLowLimit.
func NewMeter(lowLimit uint64) *Meter {
	if lowLimit == 0 {
		lowLimit = DefaultLowLimit
	}
	return &Meter{lowLimit: lowLimit}
}

// AddSent records n bytes sent.
func (m *Meter) AddSent(n uint64) { m.sent.Add(n) }

// AddReceived records n bytes received.
func (m *Meter) AddReceived(n uint64) { m.received.Add(n) }

// TotalSent returns the cumulative bytes sent.
func (m *Meter) TotalSent() uint64 { return m.sent.Load() }

// TotalReceived returns the cumulative bytes received.
func (m *Meter) TotalReceived() uint64 { return m.received.Load() }

// In returns the last sampled receive rate in bytes per second.
func (m *Meter) In() uint64 { return m.in.Load() }

// Out returns the last sampled send rate in bytes per second.
func (m *Meter) Out() uint64 { return m.out.Load() }

// LowLimit returns the starvation threshold.
func (m *Meter) LowLimit() uint64 { return m.lowLimit }

// Update samples the counters at now. The first call only records a
// baseline; later calls set the rates to delta bytes over delta time.
// Samples less than a millisecond apart, or taken before the previous one,
// are ignored.
func (m *Meter) Update(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent, received := m.sent.Load(), m.received.Load()
	if m.lastUpdate.IsZero() {
		m.lastUpdate, m.lastSent, m.lastReceived = now, sent, received
		return
	}

	if !now.After(m.lastUpdate) {
		return
	}
	deltaMs := uint64(now.Sub(m.lastUpdate).Milliseconds())
	if deltaMs == 0 {
		return
	}
	m.in.Store((received - m.lastReceived) * 1000 / deltaMs)
	m.out.Store((sent - m.lastSent) * 1000 / deltaMs)
	m.lastUpdate, m.lastSent, m.lastReceived = now, sent, received
}

// IsExceeded reports whether the sampled out-throughput is below the low
// limit.
func (m *Meter) IsExceeded() bool {
	return m.out.Load() < m.lowLimit
}
