package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
)

func noopExecs() (map[queue.Name]Config, map[queue.Name]Executor) {
	configs := make(map[queue.Name]Config)
	execs := make(map[queue.Name]Executor)
	for _, name := range queue.Names() {
		configs[name] = Config{Queue: name, PollInterval: 5 * time.Millisecond}
		execs[name] = func(context.Context, queue.Task) error { return nil }
	}
	return configs, execs
}

// eventRecorder collects pool events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestPoolStartStopAll(t *testing.T) {
	t.Parallel()

	b := testBroker()
	configs, execs := noopExecs()
	p, err := NewPool(b, configs, execs, PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if err := p.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	st := p.Status()
	if st.Total != 4 || st.Running != 4 || st.Healthy != 4 {
		t.Fatalf("status after start = %+v", st)
	}

	p.StopAll()
	st = p.Status()
	if st.Running != 0 {
		t.Fatalf("running = %d after stop, want 0", st.Running)
	}
}

func TestPoolOneWorkerPerQueue(t *testing.T) {
	t.Parallel()

	b := testBroker()
	configs, execs := noopExecs()
	p, err := NewPool(b, configs, execs, PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	seen := make(map[queue.Name]bool)
	for _, s := range p.Status().Workers {
		if seen[s.Queue] {
			t.Fatalf("duplicate worker for queue %s", s.Queue)
		}
		seen[s.Queue] = true
	}
	if len(seen) != 4 {
		t.Fatalf("workers = %d, want 4", len(seen))
	}
}

func TestPoolRestartBudgetExhausted(t *testing.T) {
	t.Parallel()

	b := testBroker()
	configs, execs := noopExecs()
	rec := &eventRecorder{}
	p, err := NewPool(b, configs, execs, PoolConfig{
		AutoRestart:        true,
		MaxRestartAttempts: 3,
		RestartDelay:       time.Hour, // errors land inside the backoff window
	}, rec.record)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer p.StopAll()

	// Four errors in a row: three consume the restart budget, the fourth
	// trips the terminal event.
	for i := 0; i < 4; i++ {
		p.handleEvent(Event{Kind: WorkerError, Worker: "summary-worker", Queue: queue.Summary, Err: "boom"})
	}

	waitFor(t, 2*time.Second, func() bool {
		return rec.count(WorkerMaxRestartAttemptsReached) == 1
	})

	// Further errors do not schedule any more restarts.
	p.handleEvent(Event{Kind: WorkerError, Worker: "summary-worker", Queue: queue.Summary, Err: "boom"})
	p.mu.Lock()
	pending := len(p.timers)
	p.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending restart timers = %d, want 0", pending)
	}
}

func TestPoolManualRestartResetsBudget(t *testing.T) {
	t.Parallel()

	b := testBroker()
	configs, execs := noopExecs()
	rec := &eventRecorder{}
	p, err := NewPool(b, configs, execs, PoolConfig{
		AutoRestart:        true,
		MaxRestartAttempts: 2,
		RestartDelay:       time.Hour,
		RestartPause:       time.Millisecond,
	}, rec.record)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer p.StopAll()

	p.handleEvent(Event{Kind: WorkerUnhealthy, Queue: queue.Audio})
	p.handleEvent(Event{Kind: WorkerUnhealthy, Queue: queue.Audio})

	if err := p.RestartWorker(queue.Audio); err != nil {
		t.Fatalf("manual restart: %v", err)
	}

	// Budget was reset; two more errors stay under the limit.
	p.handleEvent(Event{Kind: WorkerUnhealthy, Queue: queue.Audio})
	p.handleEvent(Event{Kind: WorkerUnhealthy, Queue: queue.Audio})
	if got := rec.count(WorkerMaxRestartAttemptsReached); got != 0 {
		t.Fatalf("terminal events = %d, want 0", got)
	}
}

func TestPoolIgnoresErrorsWhileStopping(t *testing.T) {
	t.Parallel()

	b := testBroker()
	configs, execs := noopExecs()
	rec := &eventRecorder{}
	p, err := NewPool(b, configs, execs, PoolConfig{
		AutoRestart:        true,
		MaxRestartAttempts: 1,
		RestartDelay:       time.Millisecond,
	}, rec.record)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	p.StopAll()

	p.handleEvent(Event{Kind: WorkerError, Queue: queue.Audio, Err: "boom"})
	p.handleEvent(Event{Kind: WorkerError, Queue: queue.Audio, Err: "boom"})
	if got := rec.count(WorkerMaxRestartAttemptsReached); got != 0 {
		t.Fatalf("terminal events while stopping = %d, want 0", got)
	}
}
