package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/events"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
)

// endedConversation starts and ends a session so the orchestrator has a real
// conversation to chain stages for.
func endedConversation(t *testing.T, reg *session.Registry) session.Conversation {
	t.Helper()
	s := reg.StartSession("a@x.com", "Patrol", "en", "conn-1")
	reg.AppendTranscript(s.ID, "stop at the light")
	conv, err := reg.EndSession(s.ID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	return conv
}

func completedTask(name queue.Name, payload queue.Payload) queue.Event {
	return queue.Event{Kind: queue.TaskCompleted, Task: queue.Task{
		ID: "t-" + string(name), Queue: name, Payload: payload, Status: queue.StatusCompleted,
	}}
}

func TestAudioCompletionChainsSummaryOnce(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(events.Noop{}, nil)
	conv := endedConversation(t, reg)
	broker := queue.NewBroker(queue.Config{})
	orch := NewOrchestrator(broker, reg, OrchestratorConfig{SummaryDelay: time.Millisecond})

	ev := completedTask(queue.Audio, queue.AudioPayload{
		SessionID: conv.SessionID, ConversationID: conv.ID,
	})
	orch.HandleQueueEvent(ev)
	orch.HandleQueueEvent(ev) // redelivery

	stats, err := broker.Stats(queue.Summary)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats.Waiting + stats.Delayed; got != 1 {
		t.Fatalf("summary queue holds %d tasks after duplicate completion, want 1", got)
	}

	// The change-feed path reporting the same completion is also absorbed.
	orch.HandleTaskChange(TaskChange{
		Queue: queue.Audio, ConversationID: conv.ID, Status: queue.StatusCompleted,
	})
	stats, _ = broker.Stats(queue.Summary)
	if got := stats.Waiting + stats.Delayed; got != 1 {
		t.Fatalf("summary queue holds %d tasks after change-feed duplicate, want 1", got)
	}
}

func TestChainCarriesTranscriptIntoSummaryPayload(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(events.Noop{}, nil)
	conv := endedConversation(t, reg)
	broker := queue.NewBroker(queue.Config{})
	orch := NewOrchestrator(broker, reg, OrchestratorConfig{SummaryDelay: time.Millisecond})

	orch.HandleQueueEvent(completedTask(queue.Audio, queue.AudioPayload{
		SessionID: conv.SessionID, ConversationID: conv.ID,
	}))

	// Wait out the settle delay, then dequeue what was chained.
	deadline := time.Now().Add(2 * time.Second)
	for {
		task, ok, err := broker.Dequeue(queue.Summary)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if ok {
			p, isSummary := task.Payload.(queue.SummaryPayload)
			if !isSummary {
				t.Fatalf("chained payload is %T", task.Payload)
			}
			if p.Transcript != "stop at the light" || p.Language != "en" || p.TypeHint != "Patrol" {
				t.Errorf("summary payload = %+v", p)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("summary task never became eligible")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFullChainAndCompletion(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(events.Noop{}, nil)
	conv := endedConversation(t, reg)
	broker := queue.NewBroker(queue.Config{})
	orch := NewOrchestrator(broker, reg, OrchestratorConfig{
		SummaryDelay: time.Millisecond,
		Recipient:    func(session.Conversation) string { return "ops@x.com" },
	})

	orch.HandleQueueEvent(completedTask(queue.Summary, queue.SummaryPayload{
		SessionID: conv.SessionID, ConversationID: conv.ID,
	}))
	stats, _ := broker.Stats(queue.Document)
	if stats.Waiting != 1 {
		t.Fatalf("document queue waiting = %d, want 1", stats.Waiting)
	}

	orch.HandleQueueEvent(completedTask(queue.Document, queue.DocumentPayload{
		SessionID: conv.SessionID, ConversationID: conv.ID,
	}))
	task, ok, err := broker.Dequeue(queue.Notification)
	if err != nil || !ok {
		t.Fatalf("notification dequeue: ok=%v err=%v", ok, err)
	}
	if p := task.Payload.(queue.NotificationPayload); p.Recipient != "ops@x.com" {
		t.Errorf("recipient = %q, want ops@x.com", p.Recipient)
	}

	orch.HandleQueueEvent(completedTask(queue.Notification, queue.NotificationPayload{
		SessionID: conv.SessionID, ConversationID: conv.ID,
	}))
	got, err := reg.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Status != session.ConversationCompleted {
		t.Errorf("conversation status = %s, want %s", got.Status, session.ConversationCompleted)
	}
}

func TestTerminalFailureStopsChain(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(events.Noop{}, nil)
	conv := endedConversation(t, reg)
	broker := queue.NewBroker(queue.Config{})
	orch := NewOrchestrator(broker, reg, OrchestratorConfig{})

	orch.HandleQueueEvent(queue.Event{Kind: queue.TaskFailed, Task: queue.Task{
		ID: "t-s", Queue: queue.Summary, Status: queue.StatusFailed,
		Error:   "summarizer unavailable",
		Payload: queue.SummaryPayload{SessionID: conv.SessionID, ConversationID: conv.ID},
	}})

	got, err := reg.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Status != session.ConversationFailed {
		t.Errorf("conversation status = %s, want %s", got.Status, session.ConversationFailed)
	}
	if !strings.Contains(got.Error, "summarizer unavailable") {
		t.Errorf("conversation error = %q", got.Error)
	}
	for _, name := range []queue.Name{queue.Document, queue.Notification} {
		stats, _ := broker.Stats(name)
		if stats.Waiting+stats.Delayed != 0 {
			t.Errorf("%s queue not empty after terminal failure", name)
		}
	}
}

func TestForgetReopensChainAfterRetry(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(events.Noop{}, nil)
	conv := endedConversation(t, reg)
	broker := queue.NewBroker(queue.Config{})
	orch := NewOrchestrator(broker, reg, OrchestratorConfig{SummaryDelay: time.Millisecond})

	ev := completedTask(queue.Audio, queue.AudioPayload{
		SessionID: conv.SessionID, ConversationID: conv.ID,
	})
	orch.HandleQueueEvent(ev)
	orch.Forget(conv.ID, queue.Audio)
	orch.HandleQueueEvent(ev)

	stats, _ := broker.Stats(queue.Summary)
	if got := stats.Waiting + stats.Delayed; got != 2 {
		t.Errorf("summary queue holds %d tasks after forget, want 2", got)
	}
}
