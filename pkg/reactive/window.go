package reactive

import (
	"sync"
	"time"
)

// RateWindow bounds how often a reactive node may re-run within a sliding
// time window. Derived nodes (formulas, script cells) consult it before every
// dependency-triggered run; when the budget is exhausted the run is dropped
// and the node records an error, which breaks notification cycles that
// equality suppression alone cannot settle.
//
// A nil *RateWindow allows everything.
type RateWindow struct {
	mu     sync.Mutex
	events []time.Time

	window time.Duration
	max    int
}

// NewRateWindow creates a window allowing max events per window duration.
// max <= 0 disables the limit.
func NewRateWindow(max int, window time.Duration) *RateWindow {
	if window <= 0 {
		window = time.Second
	}
	return &RateWindow{window: window, max: max}
}

// Allow records an event and reports whether it fits the budget.
func (w *RateWindow) Allow() bool {
	if w == nil || w.max <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.window)

	// Drop events that fell out of the window.
	valid := 0
	for _, t := range w.events {
		if t.After(cutoff) {
			w.events[valid] = t
			valid++
		}
	}
	w.events = w.events[:valid]

	if len(w.events) >= w.max {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// Count returns the number of events currently inside the window.
func (w *RateWindow) Count() int {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-w.window)
	count := 0
	for _, t := range w.events {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
