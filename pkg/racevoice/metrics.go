package racevoice

import (
	"sync"
	"time"
)

// ConnectionMetrics accumulates observational counters. Nothing in the
// bridge gates behavior on these.
type ConnectionMetrics struct {
	mu             sync.Mutex
	connects       int64
	disconnects    int64
	errors         int64
	longestSession time.Duration
	sessionStart   time.Time
}

func NewConnectionMetrics() *ConnectionMetrics {
	return &ConnectionMetrics{}
}

func (m *ConnectionMetrics) RecordConnect(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	m.sessionStart = at
}

func (m *ConnectionMetrics) RecordDisconnect(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	if !m.sessionStart.IsZero() {
		if d := at.Sub(m.sessionStart); d > m.longestSession {
			m.longestSession = d
		}
		m.sessionStart = time.Time{}
	}
}

func (m *ConnectionMetrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// Snapshot returns a copy of the counters.
func (m *ConnectionMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Connects:       m.connects,
		Disconnects:    m.disconnects,
		Errors:         m.errors,
		LongestSession: m.longestSession,
	}
}

type MetricsSnapshot struct {
	Connects       int64
	Disconnects    int64
	Errors         int64
	LongestSession time.Duration
}

// StreamStats tracks the audio capture path: frames forwarded to the
// transport, frames dropped while the tool gate was held, peak level.
type StreamStats struct {
	mu            sync.Mutex
	framesSent    int64
	bytesSent     int64
	framesDropped int64
	peakRMS       float64
}

func NewStreamStats() *StreamStats {
	return &StreamStats{}
}

func (s *StreamStats) RecordSent(samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesSent++
	s.bytesSent += int64(samples * 2)
}

func (s *StreamStats) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesDropped++
}

func (s *StreamStats) RecordLevel(rms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rms > s.peakRMS {
		s.peakRMS = rms
	}
}

func (s *StreamStats) Snapshot() (framesSent, bytesSent, framesDropped int64, peakRMS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesSent, s.bytesSent, s.framesDropped, s.peakRMS
}
