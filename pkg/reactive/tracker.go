package reactive

import (
	"sort"
	"sync"
)

// Tracker collects the names read during one evaluation pass.
//
// Evaluators (formulas, script cells) create a fresh Tracker per run, thread
// it through every read via Store.GetValueTracked, and afterwards turn the
// collected set into subscriptions. Because the Tracker is passed explicitly
// rather than stashed in goroutine-local state, evaluations that interleave
// on a shared scripting thread each keep their own read set.
type Tracker struct {
	mu    sync.Mutex
	reads map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{reads: make(map[string]struct{})}
}

// record adds name to the read set. Duplicate reads collapse.
func (t *Tracker) record(name string) {
	t.mu.Lock()
	t.reads[name] = struct{}{}
	t.mu.Unlock()
}

// Has reports whether name was read.
func (t *Tracker) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reads[name]
	return ok
}

// Names returns the recorded reads in lexical order.
func (t *Tracker) Names() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.reads))
	for name := range t.reads {
		names = append(names, name)
	}
	t.mu.Unlock()

	sort.Strings(names)
	return names
}

// Len returns the number of distinct names read.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reads)
}

// Reset clears the read set so the tracker can be reused.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.reads = make(map[string]struct{})
	t.mu.Unlock()
}
