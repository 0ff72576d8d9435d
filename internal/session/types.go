package session

import "time"

// Status is the lifecycle state of a live session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is one live audio interaction before it is finalized into a Conversation.
type Session struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	AppName      string    `json:"app_name"`
	Language     string    `json:"language"`
	ConnectionID string    `json:"connection_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Status       Status    `json:"status"`
	Transcript   string    `json:"transcript"`
	AudioURL     string    `json:"audio_url,omitempty"`
}

// ConversationStatus tracks a conversation through the post-processing pipeline.
type ConversationStatus string

const (
	ConversationProcessing ConversationStatus = "processing"
	ConversationCompleted  ConversationStatus = "completed"
	ConversationFailed     ConversationStatus = "failed"
)

// Conversation is the durable record derived from an ended Session. It is
// independently addressable and accrues pipeline results; artifact URLs are
// each filled in by exactly one pipeline stage.
type Conversation struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	Identity    string             `json:"identity"`
	AppName     string             `json:"app_name"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	DurationSec int64              `json:"duration_sec"`
	Language    string             `json:"language"`
	Status      ConversationStatus `json:"status"`
	Transcript  string             `json:"transcript"`
	AudioURL    string             `json:"audio_url,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	DocumentURL string             `json:"document_url,omitempty"`
	Error       string             `json:"error,omitempty"`
}
