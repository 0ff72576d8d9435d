package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/events"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/pipeline"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/store"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/worker"
)

// defaultConversationLimit is how many conversations are returned when the
// caller omits the ?limit= query parameter.
const defaultConversationLimit = 20

type deps struct {
	registry  *session.Registry
	broker    *queue.Broker
	orch      *pipeline.Orchestrator
	pool      *worker.Pool
	hub       *events.Hub
	db        *store.Store
	objects   *pipeline.MultipartObjectStore
	wsHandler http.Handler
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.wsHandler)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", d.handleSession)
	mux.HandleFunc("GET /api/conversations", d.handleConversations)
	mux.HandleFunc("GET /api/conversations/{id}", d.handleConversation)
	mux.HandleFunc("GET /api/conversations/{id}/audio", d.handleConversationAudio)
	mux.HandleFunc("GET /api/tasks/{id}", d.handleTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", d.handleTaskCancel)
	mux.HandleFunc("POST /api/tasks/{id}/retry", d.handleTaskRetry)
	mux.HandleFunc("GET /api/queues", d.handleQueues)
	mux.HandleFunc("POST /api/queues/{name}/pause", d.handleQueuePause)
	mux.HandleFunc("POST /api/queues/{name}/resume", d.handleQueueResume)
	mux.HandleFunc("GET /api/workers", d.handleWorkers)
	mux.HandleFunc("POST /api/workers/{name}/restart", d.handleWorkerRestart)
	mux.HandleFunc("GET /api/events/stream", d.handleEventStream)
	mux.HandleFunc("POST /api/webhooks/tasks", d.handleTaskWebhook)
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := d.pool.Status()
	text := "ok"
	code := http.StatusOK
	if status.Running < status.Total || status.Healthy < status.Total {
		text = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  text,
		"workers": status,
	})
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": d.registry.ListSessions()})
}

func (d deps) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := d.registry.GetSession(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// handleConversations prefers the database when one is configured so the
// listing survives restarts; otherwise it serves the in-memory registry.
func (d deps) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultConversationLimit)
	offset := queryInt(r, "offset", 0)

	var (
		convs []session.Conversation
		total int
	)
	if d.db != nil {
		var err error
		convs, total, err = d.db.ListConversations(r.Context(), limit, offset)
		if err != nil {
			slog.Error("list conversations", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		all := d.registry.ListConversations()
		total = len(all)
		if offset > len(all) {
			offset = len(all)
		}
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		convs = all[offset:end]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"conversations": convs, "total": total})
}

func (d deps) handleConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := d.registry.GetConversation(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp := map[string]interface{}{"conversation": conv}
	if d.db != nil {
		runs, err := d.db.ListTaskRuns(r.Context(), conv.ID)
		if err != nil {
			slog.Warn("list task runs", "conversation_id", conv.ID, "error", err)
		} else {
			resp["tasks"] = runs
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleConversationAudio proxies the stored recording so widget clients
// never need storage credentials.
func (d deps) handleConversationAudio(w http.ResponseWriter, r *http.Request) {
	conv, err := d.registry.GetConversation(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if conv.AudioURL == "" {
		http.Error(w, "audio not available", http.StatusNotFound)
		return
	}
	data, err := d.objects.Download(r.Context(), conv.AudioURL)
	if err != nil {
		slog.Error("audio download", "conversation_id", conv.ID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(data)
}

func (d deps) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := d.broker.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}

func (d deps) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	err := d.broker.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrTaskStarted):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}
}

// handleTaskRetry requeues a terminally failed task and reopens the chain so
// downstream stages fire again when the retried stage completes.
func (d deps) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := d.broker.Get(id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := d.broker.Retry(id); err != nil {
		switch {
		case errors.Is(err, queue.ErrTaskNotFailed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	d.orch.Forget(task.ConversationID(), task.Queue)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "retrying"})
}

func (d deps) handleQueues(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"queues": d.broker.StatsAll()})
}

func (d deps) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	d.setQueuePaused(w, r, true)
}

func (d deps) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	d.setQueuePaused(w, r, false)
}

func (d deps) setQueuePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	name := queue.Name(r.PathValue("name"))
	var err error
	if paused {
		err = d.broker.Pause(name)
	} else {
		err = d.broker.Resume(name)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"paused": paused})
}

func (d deps) handleWorkers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.pool.Status())
}

func (d deps) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(r.PathValue("name"))
	if err := d.pool.RestartWorker(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "restarted"})
}

func (d deps) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)
	slog.Info("events/stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("events/stream client disconnected", "remote", r.RemoteAddr)
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// handleTaskWebhook accepts external change-feed notifications about task
// state so a replicated broker can drive this node's chaining.
func (d deps) handleTaskWebhook(w http.ResponseWriter, r *http.Request) {
	var ch pipeline.TaskChange
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if ch.ConversationID == "" || ch.Queue == "" {
		http.Error(w, "queue and conversation_id are required", http.StatusBadRequest)
		return
	}
	d.orch.HandleTaskChange(ch)
	w.WriteHeader(http.StatusAccepted)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
