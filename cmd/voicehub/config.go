package main

import (
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/env"
)

type config struct {
	port                  string
	databaseURL           string
	maxConcurrentSessions int

	engineURL     string
	engineAPIKey  string
	connectTO     time.Duration
	reconnectBase time.Duration
	maxReconnects int

	openaiAPIKey    string
	openaiBaseURL   string
	summaryModel    string
	summaryTokens   int
	storageURL      string
	storageAPIKey   string
	documentsURL    string
	documentsAPIKey string
	mailURL         string
	mailAPIKey      string
	mailFrom        string
	httpPoolSize    int

	maxAttempts     int
	retryBackoff    time.Duration
	stallTimeout    time.Duration
	failedRetention time.Duration
	brokerInterval  time.Duration
	summaryDelay    time.Duration

	workerConcurrency  int
	taskTimeout        time.Duration
	pollInterval       time.Duration
	healthInterval     time.Duration
	maxHeapBytes       uint64
	autoRestart        bool
	maxRestartAttempts int
	restartDelay       time.Duration
	restartPause       time.Duration
}

func loadConfig() config {
	return config{
		port:                  env.Str("VOICEHUB_PORT", "8080"),
		databaseURL:           env.Str("DATABASE_URL", ""),
		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),

		engineURL:     env.Str("ENGINE_URL", "wss://localhost:9000/v2"),
		engineAPIKey:  env.Str("ENGINE_API_KEY", ""),
		connectTO:     env.Dur("ENGINE_CONNECT_TIMEOUT", 10*time.Second),
		reconnectBase: env.Dur("ENGINE_RECONNECT_BASE", time.Second),
		maxReconnects: env.Int("ENGINE_MAX_RECONNECTS", 5),

		openaiAPIKey:    env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:   env.Str("OPENAI_BASE_URL", ""),
		summaryModel:    env.Str("SUMMARY_MODEL", "gpt-4o-mini"),
		summaryTokens:   env.Int("SUMMARY_MAX_TOKENS", 512),
		storageURL:      env.Str("STORAGE_URL", "http://localhost:9100"),
		storageAPIKey:   env.Str("STORAGE_API_KEY", ""),
		documentsURL:    env.Str("DOCUMENTS_URL", "http://localhost:9200"),
		documentsAPIKey: env.Str("DOCUMENTS_API_KEY", ""),
		mailURL:         env.Str("MAIL_URL", "http://localhost:9300"),
		mailAPIKey:      env.Str("MAIL_API_KEY", ""),
		mailFrom:        env.Str("MAIL_FROM", "noreply@voicehub.local"),
		httpPoolSize:    env.Int("HTTP_POOL_SIZE", 20),

		maxAttempts:     env.Int("TASK_MAX_ATTEMPTS", 3),
		retryBackoff:    env.Dur("TASK_RETRY_BACKOFF", 5*time.Second),
		stallTimeout:    env.Dur("TASK_STALL_TIMEOUT", 2*time.Minute),
		failedRetention: env.Dur("TASK_FAILED_RETENTION", 24*time.Hour),
		brokerInterval:  env.Dur("BROKER_SWEEP_INTERVAL", 30*time.Second),
		summaryDelay:    env.Dur("SUMMARY_DELAY", 2*time.Second),

		workerConcurrency:  env.Int("WORKER_CONCURRENCY", 4),
		taskTimeout:        env.Dur("TASK_TIMEOUT", 2*time.Minute),
		pollInterval:       env.Dur("WORKER_POLL_INTERVAL", 250*time.Millisecond),
		healthInterval:     env.Dur("WORKER_HEALTH_INTERVAL", 15*time.Second),
		maxHeapBytes:       uint64(env.Int("WORKER_MAX_HEAP_MB", 512)) << 20,
		autoRestart:        env.Bool("WORKER_AUTO_RESTART", true),
		maxRestartAttempts: env.Int("WORKER_MAX_RESTART_ATTEMPTS", 3),
		restartDelay:       env.Dur("WORKER_RESTART_DELAY", 5*time.Second),
		restartPause:       env.Dur("WORKER_RESTART_PAUSE", time.Second),
	}
}
