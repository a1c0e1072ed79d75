package engine

import (
	"math"
	"sync"
	"time"
)

// Throttling thresholds: an update is forwarded when the percent moved by
// at least minPercentDelta since the last emission, or when minInterval
// has elapsed since the last emission, whichever comes first.
const (
	minPercentDelta = 2
	minInterval     = 1500 * time.Millisecond
)

// ProgressReporter sits between a running strategy and the job store /
// notification path. It bounds update volume on high-frame-rate or long
// media, and guarantees the emitted sequence is monotonic non-decreasing.
// Safe for use from the strategy's goroutine.
type ProgressReporter struct {
	mu       sync.Mutex
	sink     ProgressCallback
	now      func() time.Time
	lastPct  int
	lastEmit time.Time
	emitted  bool
}

func NewProgressReporter(sink ProgressCallback) *ProgressReporter {
	return &ProgressReporter{sink: sink, now: time.Now}
}

// Report forwards the percent to the sink if the throttling thresholds
// allow it. Regressions are dropped outright; 100 is always forwarded so a
// completed run is never left reporting a stale value.
func (r *ProgressReporter) Report(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	if r.emitted && percent <= r.lastPct && percent != 100 {
		return
	}

	if r.emitted && percent != 100 {
		deltaOk := percent-r.lastPct >= minPercentDelta
		intervalOk := r.now().Sub(r.lastEmit) >= minInterval
		if !deltaOk && !intervalOk {
			return
		}
	}

	r.lastPct = percent
	r.lastEmit = r.now()
	r.emitted = true
	r.sink(percent)
}

// LastReported returns the most recently emitted percent, or 0 if nothing
// has been emitted yet.
func (r *ProgressReporter) LastReported() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastPct
}

// progressPercent converts a done/total ratio to a rounded percent. Totals
// of zero report zero rather than dividing.
func progressPercent(done, total float64) int {
	if total <= 0 {
		return 0
	}

	return int(math.Round(done / total * 100))
}
