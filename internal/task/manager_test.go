package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmit_RunsTask(t *testing.T) {
	m := NewManager(time.Minute, 4, testLogger())

	var ran atomic.Bool
	task, err := m.Submit("corr-1", func(ctx context.Context) {
		ran.Store(true)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task never finished")
	}
	if !ran.Load() {
		t.Fatal("task body did not run")
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("active count after completion = %d, want 0", got)
	}
}

func TestSubmit_RejectsWhenFull(t *testing.T) {
	m := NewManager(time.Minute, 2, testLogger())

	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		if _, err := m.Submit("corr", func(ctx context.Context) {
			<-release
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if _, err := m.Submit("corr-overflow", func(ctx context.Context) {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
}

func TestSubmit_SlotFreedAfterCompletion(t *testing.T) {
	m := NewManager(time.Minute, 1, testLogger())

	task, err := m.Submit("corr-1", func(ctx context.Context) {})
	if err != nil {
		t.Fatal(err)
	}
	<-task.Done()

	if _, err := m.Submit("corr-2", func(ctx context.Context) {}); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestSubmit_ContextCancelledOnTimeout(t *testing.T) {
	m := NewManager(50*time.Millisecond, 1, testLogger())

	var cancelled atomic.Bool
	task, err := m.Submit("corr-1", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
		case <-time.After(2 * time.Second):
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
	if !cancelled.Load() {
		t.Fatal("task context was not cancelled at timeout")
	}
}

func TestWaitIdle_AllFinish(t *testing.T) {
	m := NewManager(time.Minute, 4, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := m.Submit("corr", func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
		}); err != nil {
			t.Fatal(err)
		}
	}

	if remaining := m.WaitIdle(2 * time.Second); remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestWaitIdle_BoundedWait(t *testing.T) {
	m := NewManager(time.Minute, 4, testLogger())

	release := make(chan struct{})
	defer close(release)
	if _, err := m.Submit("corr-stuck", func(ctx context.Context) {
		<-release
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	remaining := m.WaitIdle(50 * time.Millisecond)
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitIdle blocked for %v, want bounded by ~50ms", elapsed)
	}
}
