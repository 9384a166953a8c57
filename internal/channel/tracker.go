package channel

import (
	"sync"
	"time"
)

// DeliveryTracker correlates outbound message ids with the delivered
// status events WhatsApp posts back, yielding end-to-end delivery latency.
// Entries expire after a TTL since status events are not guaranteed.
type DeliveryTracker struct {
	mu      sync.Mutex
	pending map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewDeliveryTracker creates a tracker that forgets sends after ttl.
func NewDeliveryTracker(ttl time.Duration) *DeliveryTracker {
	return &DeliveryTracker{
		pending: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register records that messageID was just sent.
func (t *DeliveryTracker) Register(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.purgeLocked(now)
	t.pending[messageID] = now
}

// Consume resolves a delivered status event. It returns the elapsed time
// since the send and whether the message was still tracked.
func (t *DeliveryTracker) Consume(messageID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sentAt, ok := t.pending[messageID]
	if !ok {
		return 0, false
	}
	delete(t.pending, messageID)
	return t.now().Sub(sentAt), true
}

// PendingCount returns the number of sends awaiting a status event.
func (t *DeliveryTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *DeliveryTracker) purgeLocked(now time.Time) {
	for id, at := range t.pending {
		if now.Sub(at) >= t.ttl {
			delete(t.pending, id)
		}
	}
}
