package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicehub_sessions_active",
		Help: "Currently active voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicehub_sessions_total",
		Help: "Total voice sessions started",
	})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicehub_audio_chunks_total",
		Help: "Total audio chunks relayed to the recognition engine",
	})

	EngineReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicehub_engine_reconnects_total",
		Help: "Reconnect attempts against the recognition engine",
	})

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicehub_tasks_enqueued_total",
		Help: "Tasks enqueued by queue",
	}, []string{"queue"})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicehub_task_outcomes_total",
		Help: "Terminal task outcomes by queue",
	}, []string{"queue", "outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicehub_queue_depth",
		Help: "Waiting plus delayed tasks per queue",
	}, []string{"queue"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicehub_stage_duration_seconds",
		Help:    "Pipeline stage execution latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicehub_worker_restarts_total",
		Help: "Worker restarts by queue",
	}, []string{"queue"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicehub_errors_total",
		Help: "Error counts by component",
	}, []string{"component", "error_type"})
)
