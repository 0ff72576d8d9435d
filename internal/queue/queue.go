package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
)

// ErrUnknownQueue is returned when an operation names a queue the broker does not own.
var ErrUnknownQueue = errors.New("unknown queue")

// ErrTaskNotFound is returned when a task id is not known to any queue.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskStarted is returned by Cancel for a task already picked up by a worker.
var ErrTaskStarted = errors.New("task already started")

// ErrTaskNotFailed is returned by Retry for a task that is not terminally failed.
var ErrTaskNotFailed = errors.New("task is not failed")

// EventKind classifies broker notifications. The set is closed; consumers
// switch on it exhaustively.
type EventKind string

const (
	TaskEnqueued  EventKind = "task_enqueued"
	TaskStarted   EventKind = "task_started"
	TaskCompleted EventKind = "task_completed"
	TaskRetried   EventKind = "task_retried"
	TaskStalled   EventKind = "task_stalled"
	TaskFailed    EventKind = "task_failed" // terminal, attempts exhausted
	TaskReaped    EventKind = "task_reaped" // terminal task dropped past retention
)

// Event carries a task snapshot for one lifecycle transition.
type Event struct {
	Kind EventKind
	Task Task
}

// Listener receives broker events. Listeners are registered at construction
// time and invoked outside the broker lock, so they may enqueue.
type Listener func(Event)

// Config tunes broker-wide behavior.
type Config struct {
	DefaultMaxAttempts int
	DefaultBackoff     time.Duration
	StallTimeout       time.Duration
	FailedRetention    time.Duration
	Clock              func() time.Time
}

type queueState struct {
	paused    bool
	waiting   []*Task // waiting and delayed tasks, eligibility checked at dequeue
	active    map[string]*Task
	completed int     // lifetime count, survives reaping
	done      []*Task // completed tasks inside the retention window
	failed    []*Task
}

// Broker owns the four fixed pipeline queues. All queue state is mutated
// through broker methods; dequeue and requeue serialize on the broker lock.
type Broker struct {
	cfg       Config
	mu        sync.Mutex
	queues    map[Name]*queueState
	index     map[string]Name // task id -> owning queue
	nextSeq   uint64
	listeners []Listener
}

// NewBroker creates a broker with one empty queue per pipeline stage.
func NewBroker(cfg Config, listeners ...Listener) *Broker {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = 5 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 2 * time.Minute
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	b := &Broker{
		cfg:       cfg,
		queues:    make(map[Name]*queueState),
		index:     make(map[string]Name),
		listeners: listeners,
	}
	for _, name := range Names() {
		b.queues[name] = &queueState{active: make(map[string]*Task)}
	}
	return b
}

// Enqueue adds a task carrying payload to the queue named by the payload's tag.
func (b *Broker) Enqueue(payload Payload, opts Options) (Task, error) {
	name := payload.Queue()

	b.mu.Lock()
	qs, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}

	now := b.cfg.Clock()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.cfg.DefaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = b.cfg.DefaultBackoff
	}

	b.nextSeq++
	t := &Task{
		ID:          uuid.NewString(),
		Queue:       name,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Status:      StatusWaiting,
		CreatedAt:   now,
		seq:         b.nextSeq,
	}
	if opts.Delay > 0 {
		t.NotBefore = now.Add(opts.Delay)
		t.Status = StatusDelayed
	}
	qs.waiting = append(qs.waiting, t)
	b.index[t.ID] = name
	snap := *t
	b.mu.Unlock()

	metrics.TasksEnqueued.WithLabelValues(string(name)).Inc()
	b.notify(Event{Kind: TaskEnqueued, Task: snap})
	return snap, nil
}

// Dequeue hands out the next eligible task of a queue, marking it active and
// counting the attempt. Higher priority first, FIFO within equal priority.
// Returns false when nothing is eligible or the queue is paused.
func (b *Broker) Dequeue(name Name) (Task, bool, error) {
	b.mu.Lock()
	qs, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return Task{}, false, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	if qs.paused {
		b.mu.Unlock()
		return Task{}, false, nil
	}

	now := b.cfg.Clock()
	best := -1
	for i, t := range qs.waiting {
		if t.NotBefore.After(now) {
			continue
		}
		if best == -1 || t.Priority > qs.waiting[best].Priority ||
			(t.Priority == qs.waiting[best].Priority && t.seq < qs.waiting[best].seq) {
			best = i
		}
	}
	if best == -1 {
		b.mu.Unlock()
		return Task{}, false, nil
	}

	t := qs.waiting[best]
	qs.waiting = append(qs.waiting[:best], qs.waiting[best+1:]...)
	t.Status = StatusActive
	t.Attempts++
	t.StartedAt = now
	qs.active[t.ID] = t
	snap := *t
	b.mu.Unlock()

	b.notify(Event{Kind: TaskStarted, Task: snap})
	return snap, true, nil
}

// Ack records the outcome of one execution attempt. The attempt number from
// the dequeued snapshot acts as a lease token: a late ack from an attempt the
// stall sweep already requeued is dropped (at-least-once). A nil execErr
// completes the task; otherwise the task is requeued with exponential
// backoff, or terminally failed once attempts are exhausted.
func (b *Broker) Ack(taskID string, attempt int, execErr error) error {
	b.mu.Lock()
	name, ok := b.index[taskID]
	if !ok {
		b.mu.Unlock()
		return ErrTaskNotFound
	}
	qs := b.queues[name]
	t, ok := qs.active[taskID]
	if !ok || t.Attempts != attempt {
		b.mu.Unlock()
		return nil
	}
	delete(qs.active, taskID)

	now := b.cfg.Clock()
	var ev Event
	if execErr == nil {
		t.Status = StatusCompleted
		t.Error = ""
		t.FinishedAt = now
		qs.completed++
		qs.done = append(qs.done, t)
		ev = Event{Kind: TaskCompleted, Task: *t}
	} else if t.Attempts >= t.MaxAttempts {
		t.Status = StatusFailed
		t.Error = execErr.Error()
		t.FinishedAt = now
		qs.failed = append(qs.failed, t)
		ev = Event{Kind: TaskFailed, Task: *t}
	} else {
		t.Status = StatusDelayed
		t.Error = execErr.Error()
		t.NotBefore = now.Add(nextBackoff(t.Backoff, t.Attempts))
		qs.waiting = append(qs.waiting, t)
		ev = Event{Kind: TaskRetried, Task: *t}
	}
	b.mu.Unlock()

	switch ev.Kind {
	case TaskCompleted:
		metrics.TaskOutcomes.WithLabelValues(string(name), "completed").Inc()
	case TaskFailed:
		metrics.TaskOutcomes.WithLabelValues(string(name), "failed").Inc()
	}
	b.notify(ev)
	return nil
}

// nextBackoff computes base * 2^(attempt-1).
func nextBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Cancel removes a task that has not started. Active and terminal tasks
// cannot be cancelled.
func (b *Broker) Cancel(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name, ok := b.index[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	qs := b.queues[name]
	if _, active := qs.active[taskID]; active {
		return ErrTaskStarted
	}
	for i, t := range qs.waiting {
		if t.ID == taskID {
			qs.waiting = append(qs.waiting[:i], qs.waiting[i+1:]...)
			delete(b.index, taskID)
			return nil
		}
	}
	return ErrTaskStarted
}

// Retry forces a terminally failed task back to waiting with a fresh attempt budget.
func (b *Broker) Retry(taskID string) error {
	b.mu.Lock()
	name, ok := b.index[taskID]
	if !ok {
		b.mu.Unlock()
		return ErrTaskNotFound
	}
	qs := b.queues[name]
	var t *Task
	for i, f := range qs.failed {
		if f.ID == taskID {
			t = f
			qs.failed = append(qs.failed[:i], qs.failed[i+1:]...)
			break
		}
	}
	if t == nil {
		b.mu.Unlock()
		return ErrTaskNotFailed
	}
	t.Status = StatusWaiting
	t.Attempts = 0
	t.Error = ""
	t.NotBefore = time.Time{}
	t.FinishedAt = time.Time{}
	qs.waiting = append(qs.waiting, t)
	snap := *t
	b.mu.Unlock()

	b.notify(Event{Kind: TaskEnqueued, Task: snap})
	return nil
}

// Get returns a snapshot of a task in any state. Terminal tasks stay
// reachable until the retention window reaps them.
func (b *Broker) Get(taskID string) (Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name, ok := b.index[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	qs := b.queues[name]
	if t, active := qs.active[taskID]; active {
		return *t, nil
	}
	for _, list := range [][]*Task{qs.waiting, qs.failed, qs.done} {
		for _, t := range list {
			if t.ID == taskID {
				return *t, nil
			}
		}
	}
	return Task{}, ErrTaskNotFound
}

// Pause stops dispatch from a queue without losing queued work.
func (b *Broker) Pause(name Name) error {
	return b.setPaused(name, true)
}

// Resume restarts dispatch from a paused queue.
func (b *Broker) Resume(name Name) error {
	return b.setPaused(name, false)
}

func (b *Broker) setPaused(name Name, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	qs.paused = paused
	return nil
}

// Stats returns task counts by state for one queue.
func (b *Broker) Stats(name Name) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qs, ok := b.queues[name]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	s := Stats{
		Queue:     name,
		Active:    len(qs.active),
		Completed: qs.completed,
		Failed:    len(qs.failed),
		Paused:    qs.paused,
	}
	now := b.cfg.Clock()
	for _, t := range qs.waiting {
		if t.NotBefore.After(now) {
			s.Delayed++
		} else {
			s.Waiting++
		}
	}
	return s, nil
}

// StatsAll returns stats for every queue in pipeline order.
func (b *Broker) StatsAll() []Stats {
	out := make([]Stats, 0, len(Names()))
	for _, name := range Names() {
		s, _ := b.Stats(name)
		out = append(out, s)
	}
	return out
}

// CheckStalls requeues active tasks whose attempt never acknowledged within
// the stall timeout. A stalled task with no attempts left fails terminally.
func (b *Broker) CheckStalls() {
	b.mu.Lock()
	now := b.cfg.Clock()
	var evs []Event
	for name, qs := range b.queues {
		for id, t := range qs.active {
			if now.Sub(t.StartedAt) < b.cfg.StallTimeout {
				continue
			}
			delete(qs.active, id)
			if t.Attempts >= t.MaxAttempts {
				t.Status = StatusFailed
				t.Error = "stalled: no acknowledgement within timeout"
				t.FinishedAt = now
				qs.failed = append(qs.failed, t)
				evs = append(evs, Event{Kind: TaskFailed, Task: *t})
				metrics.TaskOutcomes.WithLabelValues(string(name), "failed").Inc()
			} else {
				t.Status = StatusWaiting
				t.NotBefore = time.Time{}
				qs.waiting = append(qs.waiting, t)
				evs = append(evs, Event{Kind: TaskStalled, Task: *t})
			}
		}
	}
	b.mu.Unlock()

	for _, ev := range evs {
		b.notify(ev)
	}
}

// ReapFinished drops terminal tasks (completed and failed) older than the
// retention window. Each drop is announced as TaskReaped so holders of
// task-scoped resources can release them.
func (b *Broker) ReapFinished() {
	b.mu.Lock()
	cutoff := b.cfg.Clock().Add(-b.cfg.FailedRetention)
	var evs []Event
	for _, qs := range b.queues {
		qs.failed = b.reapList(qs.failed, cutoff, &evs)
		qs.done = b.reapList(qs.done, cutoff, &evs)
	}
	b.mu.Unlock()

	for _, ev := range evs {
		b.notify(ev)
	}
}

func (b *Broker) reapList(list []*Task, cutoff time.Time, evs *[]Event) []*Task {
	kept := list[:0]
	for _, t := range list {
		if t.FinishedAt.After(cutoff) {
			kept = append(kept, t)
			continue
		}
		delete(b.index, t.ID)
		*evs = append(*evs, Event{Kind: TaskReaped, Task: *t})
	}
	return kept
}

// Run drives periodic stall detection, failed-task reaping, and depth gauges
// until the stop channel closes.
func (b *Broker) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.CheckStalls()
			b.ReapFinished()
			for _, s := range b.StatsAll() {
				metrics.QueueDepth.WithLabelValues(string(s.Queue)).Set(float64(s.Waiting + s.Delayed))
			}
		}
	}
}

func (b *Broker) notify(ev Event) {
	for _, fn := range b.listeners {
		fn(ev)
	}
}
