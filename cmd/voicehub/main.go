package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/audio"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/events"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/pipeline"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/store"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/transcribe"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/worker"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	// Persistence is optional; without a database URL the recorder stays nil
	// and every write becomes a no-op.
	var db *store.Store
	var recorder *store.Recorder
	if cfg.databaseURL != "" {
		var err error
		db, err = store.Open(cfg.databaseURL)
		if err != nil {
			slog.Error("database open", "error", err)
			os.Exit(1)
		}
		recorder = store.NewRecorder(db)
		slog.Info("persistence enabled")
	} else {
		slog.Warn("no database url configured, conversations are memory-only")
	}

	hub := events.NewHub()

	var convStore session.ConversationStore
	if recorder != nil {
		convStore = recorder
	}
	registry := session.NewRegistry(hub, convStore)

	// The orchestrator and stage executors listen on the broker they are fed
	// from, so both are bound after construction through the closures below.
	var orch *pipeline.Orchestrator
	var stages *pipeline.Stages
	broker := queue.NewBroker(queue.Config{
		DefaultMaxAttempts: cfg.maxAttempts,
		DefaultBackoff:     cfg.retryBackoff,
		StallTimeout:       cfg.stallTimeout,
		FailedRetention:    cfg.failedRetention,
	},
		func(ev queue.Event) { orch.HandleQueueEvent(ev) },
		func(ev queue.Event) { stages.HandleQueueEvent(ev) },
		func(ev queue.Event) { recorder.HandleQueueEvent(ev) },
		func(ev queue.Event) { publishTaskEvent(hub, ev) },
	)

	captures := audio.NewStore()

	orch = pipeline.NewOrchestrator(broker, registry, pipeline.OrchestratorConfig{
		SummaryDelay: cfg.summaryDelay,
	})

	objects := pipeline.NewMultipartObjectStore(cfg.storageURL, cfg.storageAPIKey, cfg.httpPoolSize)
	stages = &pipeline.Stages{
		Registry:   registry,
		Captures:   captures,
		Objects:    objects,
		Summarizer: pipeline.NewOpenAISummarizer(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.summaryModel, int64(cfg.summaryTokens)),
		Renderer:   pipeline.NewHTTPDocumentRenderer(cfg.documentsURL, cfg.documentsAPIKey, cfg.httpPoolSize),
		Mailer:     pipeline.NewHTTPMailer(cfg.mailURL, cfg.mailAPIKey, cfg.mailFrom, cfg.httpPoolSize),
	}

	workerConfigs := map[queue.Name]worker.Config{}
	for _, name := range queue.Names() {
		workerConfigs[name] = worker.Config{
			Name:           string(name) + "-worker",
			Queue:          name,
			Concurrency:    cfg.workerConcurrency,
			TaskTimeout:    cfg.taskTimeout,
			PollInterval:   cfg.pollInterval,
			HealthInterval: cfg.healthInterval,
			MaxHeapBytes:   cfg.maxHeapBytes,
		}
	}
	pool, err := worker.NewPool(broker, workerConfigs, stages.Executors(), worker.PoolConfig{
		AutoRestart:        cfg.autoRestart,
		MaxRestartAttempts: cfg.maxRestartAttempts,
		RestartDelay:       cfg.restartDelay,
		RestartPause:       cfg.restartPause,
	}, func(ev worker.Event) { publishWorkerEvent(hub, ev) })
	if err != nil {
		slog.Error("worker pool", "error", err)
		os.Exit(1)
	}
	if err := pool.StartAll(); err != nil {
		slog.Error("worker start", "error", err)
		os.Exit(1)
	}

	brokerStop := make(chan struct{})
	go broker.Run(brokerStop, cfg.brokerInterval)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go registry.RunSweeper(sweepCtx)

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Registry: registry,
		Captures: captures,
		Broker:   broker,
		Engine: transcribe.Config{
			URL:            cfg.engineURL,
			APIKey:         cfg.engineAPIKey,
			ConnectTimeout: cfg.connectTO,
			ReconnectBase:  cfg.reconnectBase,
			MaxReconnects:  cfg.maxReconnects,
		},
		MaxConcurrent: cfg.maxConcurrentSessions,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		registry:  registry,
		broker:    broker,
		orch:      orch,
		pool:      pool,
		hub:       hub,
		db:        db,
		objects:   objects,
		wsHandler: wsHandler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sweepCancel()
		close(brokerStop)
		pool.StopAll()
		if recorder != nil {
			recorder.Close()
		}
		if db != nil {
			db.Close()
		}
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("voicehub listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
}

// publishTaskEvent forwards terminal broker transitions to stream subscribers.
// Intermediate transitions stay internal, the dashboard only cares about
// outcomes.
func publishTaskEvent(hub *events.Hub, ev queue.Event) {
	var kind events.Kind
	switch ev.Kind {
	case queue.TaskCompleted:
		kind = events.TaskCompleted
	case queue.TaskFailed:
		kind = events.TaskFailed
	default:
		return
	}
	hub.Publish(events.Event{
		Kind:           kind,
		ConversationID: ev.Task.ConversationID(),
		TaskID:         ev.Task.ID,
		Queue:          string(ev.Task.Queue),
		Error:          ev.Task.Error,
	})
}

// publishWorkerEvent surfaces worker trouble. Routine lifecycle events are
// logged by the worker itself.
func publishWorkerEvent(hub *events.Hub, ev worker.Event) {
	switch ev.Kind {
	case worker.WorkerError, worker.WorkerUnhealthy, worker.WorkerMaxRestartAttemptsReached:
		hub.Publish(events.Event{
			Kind:  events.WorkerAlert,
			Queue: string(ev.Queue),
			Error: string(ev.Kind) + ": " + ev.Err,
		})
	}
}
