// Package metrics holds the process-wide counters read by the status surface.
// Writers on the hot path only touch atomics. Snapshot takes a small lock to
// keep the marks that per-minute rates are measured against.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// responseAlpha is the EWMA smoothing factor for handler latency.
	responseAlpha = 0.1
	// rateWindow bounds how far back per-minute rates look.
	rateWindow = 5 * time.Minute
	// markSpacing coalesces scrapes that land close together.
	markSpacing = time.Second
)

// unsetBits marks a latency average with no samples yet.
var unsetBits = math.Float64bits(math.NaN())

// mark is the counter state seen by one scrape.
type mark struct {
	at             time.Time
	connections    int64
	disconnections int64
	errors         int64
}

// Metrics is a set of atomic counters plus a smoothed handler latency.
type Metrics struct {
	startedAt time.Time
	now       func() time.Time

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	connectionsPeak   atomic.Int64
	disconnections    atomic.Int64
	events            atomic.Int64
	errors            atomic.Int64
	rateLimited       atomic.Int64
	serverErrors      atomic.Int64
	dropped           atomic.Int64

	responseBits atomic.Uint64 // float64 bits, milliseconds

	mu    sync.Mutex
	marks []mark
}

// New creates an empty registry started now.
func New() *Metrics {
	m := &Metrics{now: time.Now}
	m.responseBits.Store(unsetBits)
	m.reset()
	return m
}

// WithClock replaces the time source; intended for tests.
func (m *Metrics) WithClock(now func() time.Time) *Metrics {
	m.now = now
	m.reset()
	return m
}

func (m *Metrics) reset() {
	m.startedAt = m.now()
	m.marks = []mark{{at: m.startedAt}}
}

// ConnectionOpened counts a new connection and raises the peak if needed.
func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Add(1)
	active := m.connectionsActive.Add(1)
	for {
		peak := m.connectionsPeak.Load()
		if active <= peak || m.connectionsPeak.CompareAndSwap(peak, active) {
			return
		}
	}
}

// ConnectionClosed counts a removed connection.
func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Add(-1)
	m.disconnections.Add(1)
}

// EventHandled counts one routed event and folds its latency into the average.
func (m *Metrics) EventHandled(d time.Duration) {
	m.events.Add(1)
	m.observe(float64(d) / float64(time.Millisecond))
}

func (m *Metrics) observe(ms float64) {
	for {
		old := m.responseBits.Load()
		next := ms
		if old != unsetBits {
			next = responseAlpha*ms + (1-responseAlpha)*math.Float64frombits(old)
		}
		if m.responseBits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// ErrorSent counts an error event delivered to a client.
func (m *Metrics) ErrorSent() { m.errors.Add(1) }

// RateLimited counts a rate limiter denial.
func (m *Metrics) RateLimited() { m.rateLimited.Add(1) }

// ServerError counts a recovered handler fault.
func (m *Metrics) ServerError() { m.serverErrors.Add(1) }

// MessageDropped counts an event dropped on a full send buffer.
func (m *Metrics) MessageDropped() { m.dropped.Add(1) }

// Uptime returns the time since the registry was created.
func (m *Metrics) Uptime() time.Duration { return m.now().Sub(m.startedAt) }

// Snapshot is the scrape view of the registry. The per-minute rates cover at
// most the last rateWindow, measured against earlier scrapes.
type Snapshot struct {
	UptimeSeconds        float64 `json:"uptimeSeconds"`
	ConnectionsTotal     int64   `json:"connectionsTotal"`
	ConnectionsActive    int64   `json:"connectionsActive"`
	ConnectionsPeak      int64   `json:"connectionsPeak"`
	Disconnections       int64   `json:"disconnections"`
	EventsHandled        int64   `json:"eventsHandled"`
	Errors               int64   `json:"errors"`
	RateLimited          int64   `json:"rateLimited"`
	ServerErrors         int64   `json:"serverErrors"`
	DroppedMessages      int64   `json:"droppedMessages"`
	AvgResponseMs        float64 `json:"avgResponseMs"`
	ConnectionsPerMinute float64 `json:"connectionsPerMinute"`
	DisconnectionsPerMin float64 `json:"disconnectionsPerMinute"`
	ErrorsPerMinute      float64 `json:"errorsPerMinute"`
	ErrorRate            float64 `json:"errorRate"`
}

// Snapshot reads every counter atomically and records a rate mark.
func (m *Metrics) Snapshot() Snapshot {
	uptime := m.Uptime()
	s := Snapshot{
		UptimeSeconds:     uptime.Seconds(),
		ConnectionsTotal:  m.connectionsTotal.Load(),
		ConnectionsActive: m.connectionsActive.Load(),
		ConnectionsPeak:   m.connectionsPeak.Load(),
		Disconnections:    m.disconnections.Load(),
		EventsHandled:     m.events.Load(),
		Errors:            m.errors.Load(),
		RateLimited:       m.rateLimited.Load(),
		ServerErrors:      m.serverErrors.Load(),
		DroppedMessages:   m.dropped.Load(),
	}
	if bits := m.responseBits.Load(); bits != unsetBits {
		s.AvgResponseMs = math.Float64frombits(bits)
	}
	cur := mark{
		at:             m.startedAt.Add(uptime),
		connections:    s.ConnectionsTotal,
		disconnections: s.Disconnections,
		errors:         s.Errors,
	}
	base := m.advance(cur)
	if minutes := cur.at.Sub(base.at).Minutes(); minutes > 0 {
		s.ConnectionsPerMinute = float64(cur.connections-base.connections) / minutes
		s.DisconnectionsPerMin = float64(cur.disconnections-base.disconnections) / minutes
		s.ErrorsPerMinute = float64(cur.errors-base.errors) / minutes
	}
	if s.EventsHandled > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.EventsHandled)
	}
	return s
}

// advance records cur and returns the mark rates are measured from: the
// newest one at or before the window start, or the oldest one kept.
func (m *Metrics) advance(cur mark) mark {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last := len(m.marks) - 1; last > 0 && cur.at.Sub(m.marks[last].at) < markSpacing {
		m.marks[last] = cur
	} else {
		m.marks = append(m.marks, cur)
	}
	cutoff := cur.at.Add(-rateWindow)
	drop := 0
	for drop+1 < len(m.marks) && !m.marks[drop+1].at.After(cutoff) {
		drop++
	}
	m.marks = append(m.marks[:0], m.marks[drop:]...)
	return m.marks[0]
}
