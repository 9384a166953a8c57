// Package dedup suppresses duplicate webhook deliveries.
//
// WhatsApp redelivers webhook events whenever it does not receive a timely
// 2xx, so the same message id can arrive several times. The deduplicator
// remembers ids for a TTL window and answers "seen before?" atomically.
package dedup

import (
	"sync"
	"time"
)

// Deduplicator tracks recently seen message ids. Safe for concurrent use.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// New creates a deduplicator that forgets ids after ttl.
func New(ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether id was seen within the TTL window and, when it
// was not, records it. Check and insert happen under one lock so that of N
// concurrent calls with the same id exactly one observes false.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.purgeLocked(now)

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}

// Forget removes id so a later redelivery is admitted again. Used when a
// message was marked seen but its processing could not be started.
func (d *Deduplicator) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

// Size returns the number of ids currently tracked, expired entries included.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Clear drops all tracked ids.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
}

// purgeLocked drops entries older than the TTL. Caller holds d.mu.
func (d *Deduplicator) purgeLocked(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
