package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
)

// PoolConfig tunes worker supervision.
type PoolConfig struct {
	AutoRestart        bool
	MaxRestartAttempts int
	RestartDelay       time.Duration
	RestartPause       time.Duration
}

// PoolStatus aggregates worker health for external health endpoints.
type PoolStatus struct {
	Total   int      `json:"total"`
	Running int      `json:"running"`
	Healthy int      `json:"healthy"`
	Workers []Status `json:"workers"`
}

// Pool supervises exactly one typed worker per pipeline queue. It applies
// bounded auto-restart with a fixed delay when a worker reports an error or
// turns unhealthy.
type Pool struct {
	cfg     PoolConfig
	onEvent func(Event)

	mu       sync.Mutex
	workers  map[queue.Name]*Worker
	restarts map[queue.Name]int
	timers   map[queue.Name]*time.Timer
	stopping bool
}

// NewPool builds one worker per executor entry. onEvent receives every worker
// event plus the pool's own terminal WorkerMaxRestartAttemptsReached; nil is allowed.
func NewPool(broker *queue.Broker, configs map[queue.Name]Config, execs map[queue.Name]Executor, cfg PoolConfig, onEvent func(Event)) (*Pool, error) {
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 5
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.RestartPause <= 0 {
		cfg.RestartPause = time.Second
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	p := &Pool{
		cfg:      cfg,
		onEvent:  onEvent,
		workers:  make(map[queue.Name]*Worker),
		restarts: make(map[queue.Name]int),
		timers:   make(map[queue.Name]*time.Timer),
	}
	for name, exec := range execs {
		wc, ok := configs[name]
		if !ok {
			return nil, fmt.Errorf("no worker config for queue %q", name)
		}
		if wc.Name == "" {
			wc.Name = string(name) + "-worker"
		}
		wc.Queue = name
		p.workers[name] = New(wc, broker, exec, p.handleEvent)
	}
	return p, nil
}

// StartAll starts every worker and resets restart accounting.
func (p *Pool) StartAll() error {
	p.mu.Lock()
	p.stopping = false
	p.restarts = make(map[queue.Name]int)
	workers := p.snapshotWorkers()
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Start(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll cancels pending restarts and stops every worker.
func (p *Pool) StopAll() {
	p.mu.Lock()
	p.stopping = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[queue.Name]*time.Timer)
	workers := p.snapshotWorkers()
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Stop(); err != nil {
			slog.Warn("worker stop", "error", err)
		}
	}
}

// RestartWorker restarts one worker by queue name and resets its restart budget.
func (p *Pool) RestartWorker(name queue.Name) error {
	p.mu.Lock()
	w, ok := p.workers[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("no worker for queue %q", name)
	}
	p.restarts[name] = 0
	p.mu.Unlock()
	return w.Restart(p.cfg.RestartPause)
}

// Status aggregates every worker's snapshot.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	workers := p.snapshotWorkers()
	p.mu.Unlock()

	st := PoolStatus{Total: len(workers)}
	for _, w := range workers {
		s := w.Status()
		st.Workers = append(st.Workers, s)
		if s.Running {
			st.Running++
		}
		if s.Healthy {
			st.Healthy++
		}
	}
	return st
}

func (p *Pool) snapshotWorkers() []*Worker {
	out := make([]*Worker, 0, len(p.workers))
	for _, name := range queue.Names() {
		if w, ok := p.workers[name]; ok {
			out = append(out, w)
		}
	}
	return out
}

// handleEvent forwards worker events and applies the auto-restart policy.
func (p *Pool) handleEvent(ev Event) {
	p.onEvent(ev)

	if ev.Kind != WorkerError && ev.Kind != WorkerUnhealthy {
		return
	}
	if !p.cfg.AutoRestart {
		return
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	name := ev.Queue
	w := p.workers[name]
	if w == nil {
		p.mu.Unlock()
		return
	}
	if p.restarts[name] > p.cfg.MaxRestartAttempts {
		// Budget already exhausted and reported.
		p.mu.Unlock()
		return
	}
	if t, pending := p.timers[name]; pending {
		t.Stop()
		delete(p.timers, name)
	}
	p.restarts[name]++
	attempt := p.restarts[name]
	if attempt > p.cfg.MaxRestartAttempts {
		p.mu.Unlock()
		slog.Error("worker exceeded restart budget", "queue", name, "attempts", attempt-1)
		p.onEvent(Event{Kind: WorkerMaxRestartAttemptsReached, Worker: ev.Worker, Queue: name})
		go w.Stop()
		return
	}
	p.timers[name] = time.AfterFunc(p.cfg.RestartDelay, func() {
		p.mu.Lock()
		delete(p.timers, name)
		stopping := p.stopping
		p.mu.Unlock()
		if stopping {
			return
		}
		slog.Info("restarting worker", "queue", name, "attempt", attempt)
		if err := w.Restart(p.cfg.RestartPause); err != nil {
			slog.Error("worker restart", "queue", name, "error", err)
			return
		}
		// A restart that lands cleanly resets the budget.
		p.mu.Lock()
		p.restarts[name] = 0
		p.mu.Unlock()
	})
	p.mu.Unlock()
}
