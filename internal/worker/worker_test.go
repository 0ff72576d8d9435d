package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
)

func testBroker() *queue.Broker {
	return queue.NewBroker(queue.Config{
		DefaultMaxAttempts: 3,
		DefaultBackoff:     10 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestWorkerProcessesTask(t *testing.T) {
	t.Parallel()

	b := testBroker()
	var ran atomic.Int64
	w := New(Config{
		Name:         "audio-worker",
		Queue:        queue.Audio,
		PollInterval: 5 * time.Millisecond,
	}, b, func(ctx context.Context, task queue.Task) error {
		ran.Add(1)
		return nil
	}, nil)

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	b.Enqueue(queue.AudioPayload{ConversationID: "c"}, queue.Options{})
	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 1 })

	waitFor(t, 2*time.Second, func() bool { return w.Status().Processed == 1 })
	st := w.Status()
	if st.Failed != 0 || !st.Running || !st.Healthy {
		t.Fatalf("status = %+v", st)
	}
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	b := testBroker()
	var calls atomic.Int64
	var completions int64

	w := New(Config{
		Queue:        queue.Audio,
		PollInterval: 5 * time.Millisecond,
	}, b, func(ctx context.Context, task queue.Task) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(ev Event) {
		if ev.Kind == JobCompleted {
			atomic.AddInt64(&completions, 1)
		}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	b.Enqueue(queue.AudioPayload{ConversationID: "c"}, queue.Options{MaxAttempts: 3, Backoff: 10 * time.Millisecond})
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&completions) == 1 })
	if calls.Load() != 3 {
		t.Fatalf("executor calls = %d, want 3", calls.Load())
	}
}

func TestWorkerTaskTimeout(t *testing.T) {
	t.Parallel()

	b := testBroker()
	var failures int64
	w := New(Config{
		Queue:        queue.Summary,
		PollInterval: 5 * time.Millisecond,
		TaskTimeout:  20 * time.Millisecond,
	}, b, func(ctx context.Context, task queue.Task) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}, func(ev Event) {
		if ev.Kind == JobFailed {
			atomic.AddInt64(&failures, 1)
		}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	task, _ := b.Enqueue(queue.SummaryPayload{ConversationID: "c"}, queue.Options{MaxAttempts: 1})
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&failures) == 1 })

	got, err := b.Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestWorkerPanicBecomesAttemptFailure(t *testing.T) {
	t.Parallel()

	b := testBroker()
	var workerErrors int64
	w := New(Config{
		Queue:        queue.Document,
		PollInterval: 5 * time.Millisecond,
	}, b, func(ctx context.Context, task queue.Task) error {
		panic("render crashed")
	}, func(ev Event) {
		if ev.Kind == WorkerError {
			atomic.AddInt64(&workerErrors, 1)
		}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	b.Enqueue(queue.DocumentPayload{ConversationID: "c"}, queue.Options{MaxAttempts: 1})
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&workerErrors) == 1 })
	waitFor(t, 2*time.Second, func() bool { return w.Status().Failed == 1 })
}

func TestWorkerDoubleStartRejected(t *testing.T) {
	t.Parallel()

	b := testBroker()
	w := New(Config{Queue: queue.Audio}, b, func(context.Context, queue.Task) error { return nil }, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	b := testBroker()
	w := New(Config{Queue: queue.Audio}, b, func(context.Context, queue.Task) error { return nil }, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if w.Status().Running {
		t.Fatal("worker still running after stop")
	}
}
