package inputs

import (
	"sync"
	"time"
)

// Committer rate-limits a stream of intermediate values into commits while
// guaranteeing the final value always lands. Apply commits on the leading
// edge of each interval and holds the newest value for a trailing commit
// when calls arrive faster; Release commits immediately and unconditionally.
type Committer struct {
	commit   func(any)
	interval time.Duration

	mu         sync.Mutex
	lastCommit time.Time
	pending    any
	hasPending bool
	timer      *time.Timer
	closed     bool
}

// NewCommitter creates a committer that forwards values to commit at most
// once per interval, plus the unconditional release commits. interval <= 0
// commits everything immediately.
func NewCommitter(interval time.Duration, commit func(any)) *Committer {
	return &Committer{
		commit:   commit,
		interval: interval,
	}
}

// Apply offers an intermediate value. The first value in an interval
// commits immediately; later ones replace the held value, which commits
// when the interval's trailing timer fires.
func (c *Committer) Apply(v any) {
	if c.interval <= 0 {
		c.commit(v)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	now := time.Now()
	if since := now.Sub(c.lastCommit); since >= c.interval {
		c.lastCommit = now
		c.hasPending = false
		c.stopTimerLocked()
		c.mu.Unlock()
		c.commit(v)
		return
	}

	c.pending = v
	c.hasPending = true
	if c.timer == nil {
		remaining := c.interval - now.Sub(c.lastCommit)
		c.timer = time.AfterFunc(remaining, c.flush)
	}
	c.mu.Unlock()
}

// Release commits the final value immediately, discarding any held
// intermediate value.
func (c *Committer) Release(v any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastCommit = time.Now()
	c.hasPending = false
	c.stopTimerLocked()
	c.mu.Unlock()

	c.commit(v)
}

// Close discards any held value and stops the trailing timer. Further
// Apply and Release calls do nothing.
func (c *Committer) Close() {
	c.mu.Lock()
	c.closed = true
	c.hasPending = false
	c.stopTimerLocked()
	c.mu.Unlock()
}

// flush commits the held value when the trailing timer fires.
func (c *Committer) flush() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || !c.hasPending {
		c.mu.Unlock()
		return
	}
	v := c.pending
	c.hasPending = false
	c.lastCommit = time.Now()
	c.mu.Unlock()

	c.commit(v)
}

func (c *Committer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
