package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
)

// Executor runs one task attempt. A non-nil error marks the attempt failed;
// retry policy belongs to the queue, not the executor.
type Executor func(ctx context.Context, task queue.Task) error

// EventKind classifies worker notifications. The set is closed.
type EventKind string

const (
	JobActive                       EventKind = "job_active"
	JobCompleted                    EventKind = "job_completed"
	JobFailed                       EventKind = "job_failed"
	WorkerStarted                   EventKind = "worker_started"
	WorkerStopped                   EventKind = "worker_stopped"
	WorkerError                     EventKind = "worker_error"
	WorkerUnhealthy                 EventKind = "worker_unhealthy"
	WorkerMaxRestartAttemptsReached EventKind = "worker_max_restart_attempts_reached"
)

// Event is one worker notification, delivered via the callback registered at
// construction.
type Event struct {
	Kind   EventKind
	Worker string
	Queue  queue.Name
	TaskID string
	Err    string
}

// Config describes one typed worker bound to a queue.
type Config struct {
	Name           string
	Queue          queue.Name
	Concurrency    int
	TaskTimeout    time.Duration
	PollInterval   time.Duration
	HealthInterval time.Duration
	MaxHeapBytes   uint64
}

// Status is a point-in-time snapshot of a worker.
type Status struct {
	Name            string     `json:"name"`
	Queue           queue.Name `json:"queue"`
	Running         bool       `json:"running"`
	Healthy         bool       `json:"healthy"`
	Concurrency     int        `json:"concurrency"`
	Processed       uint64     `json:"processed"`
	Failed          uint64     `json:"failed"`
	Active          int        `json:"active"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	LastHealthCheck time.Time  `json:"last_health_check,omitempty"`
}

// Worker is a generic harness that drains one queue through an executor with
// a concurrency ceiling, per-task timeout, and periodic health sampling.
type Worker struct {
	cfg     Config
	broker  *queue.Broker
	exec    Executor
	onEvent func(Event)

	mu        sync.Mutex
	running   bool
	healthy   bool
	processed uint64
	failed    uint64
	active    int
	startedAt time.Time
	lastCheck time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a stopped worker. onEvent may be nil.
func New(cfg Config, broker *queue.Broker, exec Executor, onEvent func(Event)) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 15 * time.Second
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Worker{cfg: cfg, broker: broker, exec: exec, onEvent: onEvent, healthy: true}
}

// Start launches the poll and health goroutines. Starting a running worker is an error.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.cfg.Name)
	}
	w.running = true
	w.healthy = true
	w.startedAt = time.Now()
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.pollLoop(stop)
	}
	w.wg.Add(1)
	go w.healthLoop(stop)

	slog.Info("worker started", "worker", w.cfg.Name, "queue", w.cfg.Queue, "concurrency", w.cfg.Concurrency)
	w.emit(Event{Kind: WorkerStarted})
	return nil
}

// Stop halts dequeuing and waits for in-flight tasks to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()

	w.wg.Wait()
	slog.Info("worker stopped", "worker", w.cfg.Name, "queue", w.cfg.Queue)
	w.emit(Event{Kind: WorkerStopped})
	return nil
}

// Restart is stop then start with a short pause in between.
func (w *Worker) Restart(pause time.Duration) error {
	if err := w.Stop(); err != nil {
		return err
	}
	time.Sleep(pause)
	metrics.WorkerRestarts.WithLabelValues(string(w.cfg.Queue)).Inc()
	return w.Start()
}

// Status returns a snapshot of the worker's counters and flags.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Name:            w.cfg.Name,
		Queue:           w.cfg.Queue,
		Running:         w.running,
		Healthy:         w.healthy,
		Concurrency:     w.cfg.Concurrency,
		Processed:       w.processed,
		Failed:          w.failed,
		Active:          w.active,
		StartedAt:       w.startedAt,
		LastHealthCheck: w.lastCheck,
	}
}

func (w *Worker) pollLoop(stop <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		task, ok, err := w.broker.Dequeue(w.cfg.Queue)
		if err != nil {
			w.emit(Event{Kind: WorkerError, Err: err.Error()})
			return
		}
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.runTask(task)
	}
}

func (w *Worker) runTask(task queue.Task) {
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	w.emit(Event{Kind: JobActive, TaskID: task.ID})

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TaskTimeout)
	execErr := w.safeExec(ctx, task)
	cancel()

	if err := w.broker.Ack(task.ID, task.Attempts, execErr); err != nil {
		slog.Warn("task ack failed", "worker", w.cfg.Name, "task_id", task.ID, "error", err)
	}

	w.mu.Lock()
	w.active--
	if execErr == nil {
		w.processed++
	} else {
		w.failed++
	}
	w.mu.Unlock()

	if execErr == nil {
		w.emit(Event{Kind: JobCompleted, TaskID: task.ID})
	} else {
		slog.Warn("task attempt failed", "worker", w.cfg.Name, "task_id", task.ID,
			"attempt", task.Attempts, "error", execErr)
		w.emit(Event{Kind: JobFailed, TaskID: task.ID, Err: execErr.Error()})
	}
}

// safeExec converts executor panics into attempt failures so a bad stage
// cannot take down the whole worker pool.
func (w *Worker) safeExec(ctx context.Context, task queue.Task) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("executor panic: %v", r)
				w.emit(Event{Kind: WorkerError, TaskID: task.ID, Err: err.Error()})
				done <- err
			}
		}()
		done <- w.exec(ctx, task)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("task timed out after %s", w.cfg.TaskTimeout)
	}
}

func (w *Worker) healthLoop(stop <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.sampleHealth()
		}
	}
}

func (w *Worker) sampleHealth() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	w.mu.Lock()
	w.lastCheck = time.Now()
	wasHealthy := w.healthy
	w.healthy = w.cfg.MaxHeapBytes == 0 || ms.HeapAlloc <= w.cfg.MaxHeapBytes
	nowHealthy := w.healthy
	w.mu.Unlock()

	if wasHealthy && !nowHealthy {
		slog.Warn("worker unhealthy", "worker", w.cfg.Name, "heap_bytes", ms.HeapAlloc)
		w.emit(Event{Kind: WorkerUnhealthy, Err: fmt.Sprintf("heap %d bytes over limit", ms.HeapAlloc)})
	}
}

func (w *Worker) emit(ev Event) {
	ev.Worker = w.cfg.Name
	ev.Queue = w.cfg.Queue
	w.onEvent(ev)
}
