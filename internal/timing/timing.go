// Package timing records per-request latency checkpoints for pipeline
// stage breakdowns in logs and the query log.
package timing

import (
	"sync"
	"time"
)

// Context accumulates named millisecond checkpoints relative to its start.
// Safe for concurrent use, though a request usually marks sequentially.
type Context struct {
	CorrelationID string

	mu          sync.Mutex
	start       time.Time
	checkpoints map[string]int64
	now         func() time.Time
}

// NewContext starts a timing context for one request.
func NewContext(correlationID string) *Context {
	now := time.Now
	return &Context{
		CorrelationID: correlationID,
		start:         now(),
		checkpoints:   make(map[string]int64),
		now:           now,
	}
}

// Mark records the elapsed milliseconds since start under name.
func (c *Context) Mark(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[name] = c.now().Sub(c.start).Milliseconds()
}

// Set records an externally measured duration, e.g. one reported by a
// downstream service.
func (c *Context) Set(name string, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[name] = ms
}

// Elapsed returns the milliseconds between two recorded checkpoints.
// The second return is false when either checkpoint is missing.
func (c *Context) Elapsed(from, to string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, okA := c.checkpoints[from]
	b, okB := c.checkpoints[to]
	if !okA || !okB {
		return 0, false
	}
	return b - a, true
}

// TotalElapsed returns the milliseconds since the context started.
func (c *Context) TotalElapsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.start).Milliseconds()
}

// Breakdown returns a copy of all checkpoints, suitable for structured logs.
func (c *Context) Breakdown() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.checkpoints))
	for k, v := range c.checkpoints {
		out[k] = v
	}
	return out
}
