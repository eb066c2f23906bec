package scan

import (
	"sync/atomic"
	"time"
)

// Metrics tracks pass counts and timing for a controller.
type Metrics struct {
	passes        atomic.Int64
	skipped       atomic.Int64
	matches       atomic.Int64
	noText        atomic.Int64
	searchErrors  atomic.Int64
	noMatch       atomic.Int64
	captureErrors atomic.Int64
	discarded     atomic.Int64
	debounced     atomic.Int64
	lastPassTime  atomic.Int64
	avgPassTimeNs atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Passes        int64
	Skipped       int64
	Matches       int64
	NoText        int64
	SearchErrors  int64
	NoMatch       int64
	CaptureErrors int64
	Discarded     int64
	Debounced     int64
	AvgPassTime   time.Duration
	LastPassAge   time.Duration
}

func (m *Metrics) record(o Outcome) {
	switch o {
	case OutcomeMatched:
		m.matches.Add(1)
	case OutcomeDetected:
		m.debounced.Add(1)
	case OutcomeNoText:
		m.noText.Add(1)
	case OutcomeSearchFailed:
		m.searchErrors.Add(1)
	case OutcomeNoMatch:
		m.noMatch.Add(1)
	case OutcomeCaptureFailed:
		m.captureErrors.Add(1)
	case OutcomeDiscarded:
		m.discarded.Add(1)
	}
}

// updatePassTime folds d into an exponential moving average (alpha 0.1).
func (m *Metrics) updatePassTime(d time.Duration, now time.Time) {
	m.passes.Add(1)
	m.lastPassTime.Store(now.UnixNano())
	current := m.avgPassTimeNs.Load()
	next := d.Nanoseconds()
	if current != 0 {
		next = int64(float64(current)*0.9 + float64(next)*0.1)
	}
	m.avgPassTimeNs.Store(next)
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Passes:        m.passes.Load(),
		Skipped:       m.skipped.Load(),
		Matches:       m.matches.Load(),
		NoText:        m.noText.Load(),
		SearchErrors:  m.searchErrors.Load(),
		NoMatch:       m.noMatch.Load(),
		CaptureErrors: m.captureErrors.Load(),
		Discarded:     m.discarded.Load(),
		Debounced:     m.debounced.Load(),
		AvgPassTime:   time.Duration(m.avgPassTimeNs.Load()),
	}
	if last := m.lastPassTime.Load(); last != 0 {
		s.LastPassAge = time.Since(time.Unix(0, last))
	}
	return s
}
