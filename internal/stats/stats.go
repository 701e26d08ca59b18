// Package stats holds the process-wide render counters: monotonic
// except on explicit Reset.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats is safe for concurrent use. Every field is touched with
// sync/atomic so Dispatcher.Render never takes a lock just to bump a
// counter.
type Stats struct {
	exportAttempts       int64
	performedExports     int64
	droppedExports       int64
	exportFromSvgAttempts int64
	timeSpentMs          int64
}

// Snapshot is a point-in-time copy, safe to log or serialize.
type Snapshot struct {
	ExportAttempts        int64
	PerformedExports      int64
	DroppedExports        int64
	ExportFromSvgAttempts int64
	TimeSpentMs           int64
	SpentAverageMs        float64
}

// IncrementAttempt records the start of a render, and whether it is an
// SVG-input render (so ExportFromSvgAttempts stays a sub-count of
// ExportAttempts).
func (s *Stats) IncrementAttempt(fromSVG bool) {
	atomic.AddInt64(&s.exportAttempts, 1)
	if fromSVG {
		atomic.AddInt64(&s.exportFromSvgAttempts, 1)
	}
}

// RecordSuccess marks a render as completed and adds its duration.
func (s *Stats) RecordSuccess(elapsed time.Duration) {
	atomic.AddInt64(&s.performedExports, 1)
	atomic.AddInt64(&s.timeSpentMs, elapsed.Milliseconds())
}

// RecordFailure marks a render as dropped.
func (s *Stats) RecordFailure() {
	atomic.AddInt64(&s.droppedExports, 1)
}

// Reset zeroes every counter. Use sparingly — callers normally want a
// monotonic record across the process lifetime.
func (s *Stats) Reset() {
	atomic.StoreInt64(&s.exportAttempts, 0)
	atomic.StoreInt64(&s.performedExports, 0)
	atomic.StoreInt64(&s.droppedExports, 0)
	atomic.StoreInt64(&s.exportFromSvgAttempts, 0)
	atomic.StoreInt64(&s.timeSpentMs, 0)
}

// Snapshot returns a consistent-enough copy of the counters (each
// field is read independently, not under a shared lock).
func (s *Stats) Snapshot() Snapshot {
	performed := atomic.LoadInt64(&s.performedExports)
	timeSpent := atomic.LoadInt64(&s.timeSpentMs)

	var avg float64
	if performed > 0 {
		avg = float64(timeSpent) / float64(performed)
	}

	return Snapshot{
		ExportAttempts:        atomic.LoadInt64(&s.exportAttempts),
		PerformedExports:      performed,
		DroppedExports:        atomic.LoadInt64(&s.droppedExports),
		ExportFromSvgAttempts: atomic.LoadInt64(&s.exportFromSvgAttempts),
		TimeSpentMs:           timeSpent,
		SpentAverageMs:        avg,
	}
}
