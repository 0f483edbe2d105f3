package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// Counter accumulates elapsed-time samples for a named code section, e.g.
// the estimator's prediction and fusion steps. Zero value is not usable;
// create with NewCounter.
type Counter struct {
	name string

	mu    sync.Mutex
	n     int64
	total time.Duration
	max   time.Duration
}

// NewCounter creates a named elapsed-time counter.
func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

// Observe records one elapsed-time sample.
func (c *Counter) Observe(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.total += d
	if d > c.max {
		c.max = d
	}
}

// Count returns the number of recorded samples.
func (c *Counter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// String renders the counter in a single log-friendly line.
func (c *Counter) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		return fmt.Sprintf("%s: no samples", c.name)
	}
	avg := c.total / time.Duration(c.n)
	return fmt.Sprintf("%s: %d samples avg=%s max=%s", c.name, c.n, avg, c.max)
}
