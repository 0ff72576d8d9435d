package queue

import "time"

// Name identifies one of the fixed pipeline queues.
type Name string

const (
	Audio        Name = "audio"
	Summary      Name = "summary"
	Document     Name = "document"
	Notification Name = "notification"
)

// Names lists every queue the broker owns, in pipeline order.
func Names() []Name {
	return []Name{Audio, Summary, Document, Notification}
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Payload is the tagged union of per-queue task payloads. Each stage's
// executor is total over its own payload shape; the Queue tag ties a
// payload to the only queue that may carry it.
type Payload interface {
	Queue() Name
}

// AudioPayload drives the audio persistence stage.
type AudioPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sample_rate"`
}

func (AudioPayload) Queue() Name { return Audio }

// SummaryPayload drives the summarization stage.
type SummaryPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Transcript     string `json:"transcript"`
	Language       string `json:"language"`
	TypeHint       string `json:"type_hint"`
}

func (SummaryPayload) Queue() Name { return Summary }

// DocumentPayload drives the document rendering stage.
type DocumentPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

func (DocumentPayload) Queue() Name { return Document }

// NotificationPayload drives the notification delivery stage.
type NotificationPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Recipient      string `json:"recipient"`
}

func (NotificationPayload) Queue() Name { return Notification }

// Task is one queued unit of pipeline work.
type Task struct {
	ID          string        `json:"id"`
	Queue       Name          `json:"queue"`
	Payload     Payload       `json:"payload"`
	Priority    int           `json:"priority"`
	NotBefore   time.Time     `json:"not_before"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`

	seq uint64
}

// ConversationID returns the conversation a task belongs to, for any payload shape.
func (t Task) ConversationID() string {
	switch p := t.Payload.(type) {
	case AudioPayload:
		return p.ConversationID
	case SummaryPayload:
		return p.ConversationID
	case DocumentPayload:
		return p.ConversationID
	case NotificationPayload:
		return p.ConversationID
	default:
		return ""
	}
}

// Options tune a single enqueue call. Zero values fall back to broker defaults.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Stats reports per-queue task counts by state.
type Stats struct {
	Queue     Name `json:"queue"`
	Waiting   int  `json:"waiting"`
	Delayed   int  `json:"delayed"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}
