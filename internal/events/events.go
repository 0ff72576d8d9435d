package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind classifies change events pushed to dashboard subscribers. The set is
// closed; new kinds require a new constant here.
type Kind string

const (
	SessionEnded        Kind = "session_ended"
	ConversationCreated Kind = "conversation_created"
	ConversationUpdated Kind = "conversation_updated"
	TaskCompleted       Kind = "task_completed"
	TaskFailed          Kind = "task_failed"
	WorkerAlert         Kind = "worker_alert"
)

// Event is one outward change notification.
type Event struct {
	Kind           Kind      `json:"kind"`
	SessionID      string    `json:"session_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	Queue          string    `json:"queue,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Broadcaster publishes change events to connected observers. Components that
// need to publish receive one at construction; tests inject Noop.
type Broadcaster interface {
	Publish(Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Publish(Event) {}

// Hub fans events out to stream subscribers as JSON lines.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan []byte]struct{}{}}
}

// Subscribe registers a stream consumer. The channel is buffered; slow
// consumers drop updates rather than blocking publishers.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Publish marshals the event once and performs a non-blocking send to every
// subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}
