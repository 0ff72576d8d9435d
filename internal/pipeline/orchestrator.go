package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
)

// OrchestratorConfig tunes stage chaining.
type OrchestratorConfig struct {
	// SummaryDelay postpones the summary stage after audio completion so the
	// storage write settles before the transcript is read back.
	SummaryDelay time.Duration

	// Recipient resolves the notification target for a conversation. When
	// nil, the conversation's identity is used.
	Recipient func(session.Conversation) string
}

// Orchestrator chains the fixed stage graph: audio, then summary, then
// document, then notification. It reacts to completion and terminal-failure
// notifications; it is not a scheduler. Completion notifications arrive
// at-least-once, from the in-process broker and from the external change
// feed, so every reaction is guarded against duplicates.
type Orchestrator struct {
	broker   *queue.Broker
	registry *session.Registry
	cfg      OrchestratorConfig

	mu       sync.Mutex
	enqueued map[string]map[queue.Name]bool // conversation id -> stages already chained
}

func NewOrchestrator(broker *queue.Broker, registry *session.Registry, cfg OrchestratorConfig) *Orchestrator {
	if cfg.SummaryDelay <= 0 {
		cfg.SummaryDelay = 2 * time.Second
	}
	if cfg.Recipient == nil {
		cfg.Recipient = func(c session.Conversation) string { return c.Identity }
	}
	return &Orchestrator{
		broker:   broker,
		registry: registry,
		cfg:      cfg,
		enqueued: make(map[string]map[queue.Name]bool),
	}
}

// HandleQueueEvent is registered as a broker listener.
func (o *Orchestrator) HandleQueueEvent(ev queue.Event) {
	switch ev.Kind {
	case queue.TaskCompleted:
		o.advance(ev.Task.Queue, ev.Task.ConversationID())
	case queue.TaskFailed:
		o.terminalFailure(ev.Task.Queue, ev.Task.ConversationID(), ev.Task.Error)
	}
}

// TaskChange is an external change-feed notification for a task row. It
// drives the same reactions as in-process broker events.
type TaskChange struct {
	Queue          queue.Name   `json:"queue"`
	ConversationID string       `json:"conversation_id"`
	Status         queue.Status `json:"status"`
	Error          string       `json:"error,omitempty"`
}

// HandleTaskChange applies one change-feed notification. Notifications for
// transitions already observed in-process are absorbed by the duplicate guard.
func (o *Orchestrator) HandleTaskChange(ch TaskChange) {
	switch ch.Status {
	case queue.StatusCompleted:
		o.advance(ch.Queue, ch.ConversationID)
	case queue.StatusFailed:
		o.terminalFailure(ch.Queue, ch.ConversationID, ch.Error)
	}
}

// advance enqueues the next stage for a conversation, at most once per stage.
func (o *Orchestrator) advance(completed queue.Name, conversationID string) {
	if conversationID == "" {
		return
	}

	conv, err := o.registry.GetConversation(conversationID)
	if err != nil {
		slog.Warn("stage completed for unknown conversation",
			"queue", completed, "conversation_id", conversationID)
		return
	}

	switch completed {
	case queue.Audio:
		o.enqueueOnce(conversationID, queue.SummaryPayload{
			SessionID:      conv.SessionID,
			ConversationID: conv.ID,
			Transcript:     conv.Transcript,
			Language:       conv.Language,
			TypeHint:       conv.AppName,
		}, queue.Options{Delay: o.cfg.SummaryDelay})
	case queue.Summary:
		o.enqueueOnce(conversationID, queue.DocumentPayload{
			SessionID:      conv.SessionID,
			ConversationID: conv.ID,
		}, queue.Options{})
	case queue.Document:
		o.enqueueOnce(conversationID, queue.NotificationPayload{
			SessionID:      conv.SessionID,
			ConversationID: conv.ID,
			Recipient:      o.cfg.Recipient(conv),
		}, queue.Options{})
	case queue.Notification:
		if err := o.registry.MarkConversationCompleted(conversationID); err != nil {
			slog.Warn("mark conversation completed", "conversation_id", conversationID, "error", err)
		}
	}
}

func (o *Orchestrator) enqueueOnce(conversationID string, payload queue.Payload, opts queue.Options) {
	stage := payload.Queue()

	o.mu.Lock()
	stages := o.enqueued[conversationID]
	if stages == nil {
		stages = make(map[queue.Name]bool)
		o.enqueued[conversationID] = stages
	}
	if stages[stage] {
		// Redelivered completion, expected under at-least-once delivery.
		o.mu.Unlock()
		return
	}
	stages[stage] = true
	o.mu.Unlock()

	if _, err := o.broker.Enqueue(payload, opts); err != nil {
		o.mu.Lock()
		delete(o.enqueued[conversationID], stage)
		o.mu.Unlock()
		slog.Error("enqueue next stage", "queue", stage, "conversation_id", conversationID, "error", err)
		return
	}
	slog.Info("stage chained", "queue", stage, "conversation_id", conversationID)
}

// terminalFailure marks the conversation failed and stops the chain. Partial
// results from stages that did complete are left in place.
func (o *Orchestrator) terminalFailure(stage queue.Name, conversationID, errText string) {
	if conversationID == "" {
		return
	}
	msg := string(stage) + " stage failed: " + errText
	if err := o.registry.MarkConversationFailed(conversationID, msg); err != nil {
		slog.Warn("mark conversation failed",
			"conversation_id", conversationID, "stage", stage, "error", err)
		return
	}
	slog.Warn("pipeline stopped", "conversation_id", conversationID, "stage", stage, "error", errText)
}

// Forget drops the duplicate-enqueue guard state for a conversation. Called
// when an operator retries a failed task so the chain can run again.
func (o *Orchestrator) Forget(conversationID string, from queue.Name) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stages := o.enqueued[conversationID]
	for _, name := range queue.Names() {
		if stageAfter(name, from) {
			delete(stages, name)
		}
	}
}

// stageAfter reports whether a comes strictly after b in the pipeline order.
func stageAfter(a, b queue.Name) bool {
	order := map[queue.Name]int{queue.Audio: 0, queue.Summary: 1, queue.Document: 2, queue.Notification: 3}
	return order[a] > order[b]
}
