package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/events"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
)

// ErrSessionNotFound is returned when an operation names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// ErrConversationNotFound is returned when an operation names an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

const (
	sweepInterval    = 5 * time.Minute
	sessionRetention = 24 * time.Hour
)

// ConversationStore persists conversation snapshots. Persist must be an
// idempotent upsert; implementations are safe for concurrent use.
type ConversationStore interface {
	Persist(ctx context.Context, c Conversation) error
}

// Registry is the in-memory table of live sessions and derived conversations.
// All mutation goes through registry methods; the network layer and the
// periodic sweep never touch the maps directly.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	conversations map[string]*Conversation

	broadcast events.Broadcaster
	store     ConversationStore // optional, nil disables persistence
	clock     func() time.Time
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(broadcast events.Broadcaster, store ConversationStore) *Registry {
	if broadcast == nil {
		broadcast = events.Noop{}
	}
	return &Registry{
		sessions:      make(map[string]*Session),
		conversations: make(map[string]*Conversation),
		broadcast:     broadcast,
		store:         store,
		clock:         time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(clock func() time.Time) { r.clock = clock }

// StartSession allocates a fresh active session. It always succeeds.
func (r *Registry) StartSession(identity, appName, language, connectionID string) Session {
	s := &Session{
		ID:           uuid.NewString(),
		Identity:     identity,
		AppName:      appName,
		Language:     language,
		ConnectionID: connectionID,
		StartedAt:    r.clock(),
		Status:       StatusActive,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	slog.Info("session started", "session_id", s.ID, "identity", identity, "app", appName, "language", language)
	return *s
}

// EndSession finalizes a session and derives exactly one Conversation from
// it. Duration is computed once, in whole seconds, and never recomputed.
// Ending an already-ended session is rejected with ErrSessionNotFound so a
// second Conversation can never be produced for the same session.
func (r *Registry) EndSession(sessionID string) (Conversation, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		r.mu.Unlock()
		return Conversation{}, ErrSessionNotFound
	}

	now := r.clock()
	s.Status = StatusEnded
	s.EndedAt = now

	c := &Conversation{
		ID:          uuid.NewString(),
		SessionID:   s.ID,
		Identity:    s.Identity,
		AppName:     s.AppName,
		StartedAt:   s.StartedAt,
		EndedAt:     now,
		DurationSec: int64(now.Sub(s.StartedAt) / time.Second),
		Language:    s.Language,
		Status:      ConversationProcessing,
		Transcript:  s.Transcript,
		AudioURL:    s.AudioURL,
	}
	if c.DurationSec < 0 {
		c.DurationSec = 0
	}
	r.conversations[c.ID] = c
	snap := *c
	r.mu.Unlock()

	metrics.SessionsActive.Dec()
	slog.Info("session ended", "session_id", sessionID, "conversation_id", snap.ID, "duration_sec", snap.DurationSec)
	r.persist(snap)
	r.broadcast.Publish(events.Event{Kind: events.SessionEnded, SessionID: sessionID, ConversationID: snap.ID})
	r.broadcast.Publish(events.Event{Kind: events.ConversationCreated, SessionID: sessionID, ConversationID: snap.ID})
	return snap, nil
}

// AppendTranscript appends a final transcript segment to a live session.
// Returns false for unknown or ended sessions: transcript delivery may race
// session teardown and must not fail loudly.
func (r *Registry) AppendTranscript(sessionID, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		return false
	}
	if s.Transcript == "" {
		s.Transcript = text
	} else {
		s.Transcript += " " + text
	}
	return true
}

// SetAudioURL records the audio artifact reference on a session. No-op-safe.
func (r *Registry) SetAudioURL(sessionID, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.AudioURL = url
	return true
}

// GetSession returns a snapshot of a session.
func (r *Registry) GetSession(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// ListSessions returns snapshots of every tracked session.
func (r *Registry) ListSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// GetConversation returns a snapshot of a conversation.
func (r *Registry) GetConversation(conversationID string) (Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return *c, nil
}

// ListConversations returns snapshots of every conversation.
func (r *Registry) ListConversations() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		out = append(out, *c)
	}
	return out
}

// Conversation field-set updates. Each is idempotent: pipeline stages run
// at-least-once and may apply the same update twice.

// SetConversationAudioURL records the persisted audio artifact.
func (r *Registry) SetConversationAudioURL(conversationID, url string) error {
	return r.update(conversationID, func(c *Conversation) { c.AudioURL = url })
}

// SetConversationSummary records the summarizer output.
func (r *Registry) SetConversationSummary(conversationID, summary string) error {
	return r.update(conversationID, func(c *Conversation) { c.Summary = summary })
}

// SetConversationDocumentURL records the rendered document artifact.
func (r *Registry) SetConversationDocumentURL(conversationID, url string) error {
	return r.update(conversationID, func(c *Conversation) { c.DocumentURL = url })
}

// MarkConversationCompleted transitions a conversation to completed.
func (r *Registry) MarkConversationCompleted(conversationID string) error {
	return r.update(conversationID, func(c *Conversation) {
		c.Status = ConversationCompleted
		c.Error = ""
	})
}

// MarkConversationFailed records a terminal pipeline failure. Partial results
// from stages that did complete are retained, never rolled back.
func (r *Registry) MarkConversationFailed(conversationID, errText string) error {
	return r.update(conversationID, func(c *Conversation) {
		c.Status = ConversationFailed
		c.Error = errText
	})
}

func (r *Registry) update(conversationID string, apply func(*Conversation)) error {
	r.mu.Lock()
	c, ok := r.conversations[conversationID]
	if !ok {
		r.mu.Unlock()
		return ErrConversationNotFound
	}
	apply(c)
	snap := *c
	r.mu.Unlock()

	r.persist(snap)
	r.broadcast.Publish(events.Event{
		Kind:           events.ConversationUpdated,
		SessionID:      snap.SessionID,
		ConversationID: snap.ID,
		Error:          snap.Error,
	})
	return nil
}

func (r *Registry) persist(c Conversation) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Persist(ctx, c); err != nil {
		slog.Warn("conversation persist failed", "conversation_id", c.ID, "error", err)
		metrics.Errors.WithLabelValues("session", "persist").Inc()
	}
}

// Sweep removes sessions that ended more than the retention window ago. This
// is the only destructive operation and it never touches conversations.
func (r *Registry) Sweep() int {
	cutoff := r.clock().Add(-sessionRetention)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.Status == StatusEnded && s.EndedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("session sweep", "removed", removed)
	}
	return removed
}

// RunSweeper drives Sweep every five minutes until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
