// Package task runs webhook message processing in the background so the
// HTTP handler can acknowledge deliveries immediately.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy is returned by Submit when the concurrency ceiling is reached.
// The caller should let the platform redeliver the event later.
var ErrBusy = errors.New("task manager at capacity")

// Task is one background unit of work.
type Task struct {
	CorrelationID string
	StartedAt     time.Time
	done          chan struct{}
}

// Done is closed when the task finishes, regardless of outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Manager launches bounded, timeout-guarded background tasks.
type Manager struct {
	mu      sync.Mutex
	active  map[*Task]struct{}
	sem     chan struct{}
	timeout time.Duration
	counter int64
	logger  *slog.Logger
}

// NewManager creates a manager that runs at most maxConcurrent tasks, each
// cancelled after timeout.
func NewManager(timeout time.Duration, maxConcurrent int, logger *slog.Logger) *Manager {
	return &Manager{
		active:  make(map[*Task]struct{}),
		sem:     make(chan struct{}, maxConcurrent),
		timeout: timeout,
		logger:  logger,
	}
}

// Submit starts fn in a goroutine under the task timeout. It never blocks:
// when all slots are taken it returns ErrBusy and fn is not run. The task
// context is detached from the caller so the webhook response completing
// does not cancel processing.
func (m *Manager) Submit(correlationID string, fn func(ctx context.Context)) (*Task, error) {
	select {
	case m.sem <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	t := &Task{
		CorrelationID: correlationID,
		StartedAt:     time.Now(),
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	m.active[t] = struct{}{}
	m.counter++
	count := m.counter
	activeNow := len(m.active)
	m.mu.Unlock()

	if count%10 == 0 {
		m.logger.Info("task manager status", "total_submitted", count, "active", activeNow)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)

		watchdog := time.AfterFunc(m.timeout, func() {
			m.logger.Error("task exceeded timeout",
				"correlation_id", t.CorrelationID, "timeout", m.timeout)
		})

		defer func() {
			watchdog.Stop()
			cancel()
			m.mu.Lock()
			delete(m.active, t)
			m.mu.Unlock()
			<-m.sem
			close(t.done)
			m.logger.Debug("task completed",
				"correlation_id", t.CorrelationID,
				"elapsed_ms", time.Since(t.StartedAt).Milliseconds())
		}()

		m.logger.Debug("task started", "correlation_id", t.CorrelationID)
		fn(ctx)
	}()

	return t, nil
}

// ActiveCount returns the number of tasks currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// WaitIdle waits up to maxWait for running tasks to finish and returns how
// many were still running when the deadline hit. Used during shutdown so
// in-flight replies get a chance to go out.
func (m *Manager) WaitIdle(maxWait time.Duration) int {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	m.mu.Lock()
	snapshot := make([]*Task, 0, len(m.active))
	for t := range m.active {
		snapshot = append(snapshot, t)
	}
	m.mu.Unlock()

	for _, t := range snapshot {
		select {
		case <-t.done:
		case <-deadline.C:
			remaining := m.ActiveCount()
			m.logger.Warn("shutdown wait expired with tasks still running",
				"remaining", remaining)
			return remaining
		}
	}
	return 0
}
