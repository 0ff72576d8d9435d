package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/audio"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/prompts"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/worker"
)

// Stages bundles the external collaborators behind the four pipeline
// executors. Every stage writes its result as a field-set update on the
// Conversation, so redelivered tasks re-apply the same write instead of
// appending.
type Stages struct {
	Registry   *session.Registry
	Captures   *audio.Store
	Objects    ObjectStore
	Summarizer Summarizer
	Renderer   DocumentRenderer
	Mailer     Mailer
}

// Executors returns one executor per queue, keyed the way the worker pool
// expects them.
func (s *Stages) Executors() map[queue.Name]worker.Executor {
	return map[queue.Name]worker.Executor{
		queue.Audio:        s.runAudio,
		queue.Summary:      s.runSummary,
		queue.Document:     s.runDocument,
		queue.Notification: s.runNotification,
	}
}

// HandleQueueEvent releases stage resources tied to reaped tasks. A capture
// whose audio task failed terminally is kept for the retention window so an
// admin retry can still read it; once the broker reaps the task the capture
// has no further reader.
func (s *Stages) HandleQueueEvent(ev queue.Event) {
	if ev.Kind != queue.TaskReaped || ev.Task.Queue != queue.Audio {
		return
	}
	p, ok := ev.Task.Payload.(queue.AudioPayload)
	if !ok {
		return
	}
	if s.Captures.Discard(p.SessionID) {
		slog.Info("capture released with reaped audio task",
			"session_id", p.SessionID, "conversation_id", p.ConversationID)
	}
}

// runAudio finalizes the session's capture and persists it as a WAV artifact.
func (s *Stages) runAudio(ctx context.Context, task queue.Task) error {
	p, ok := task.Payload.(queue.AudioPayload)
	if !ok {
		return fmt.Errorf("audio stage: unexpected payload %T", task.Payload)
	}

	conv, err := s.Registry.GetConversation(p.ConversationID)
	if err != nil {
		return fmt.Errorf("audio stage: %w", err)
	}
	if conv.AudioURL != "" {
		// A previous attempt already persisted the artifact.
		return nil
	}

	capture, err := s.Captures.Get(p.SessionID)
	if err != nil {
		return fmt.Errorf("audio stage: session %s: %w", p.SessionID, err)
	}
	wavData, err := capture.Finalize()
	if err != nil {
		return fmt.Errorf("audio stage: %w", err)
	}

	key := fmt.Sprintf("conversations/%s.wav", p.ConversationID)
	url, err := s.Objects.Put(ctx, key, "audio/wav", wavData)
	if err != nil {
		return fmt.Errorf("audio stage: %w", err)
	}
	if err := s.Registry.SetConversationAudioURL(p.ConversationID, url); err != nil {
		return fmt.Errorf("audio stage: %w", err)
	}

	s.Captures.Discard(p.SessionID)
	slog.Info("audio artifact persisted",
		"conversation_id", p.ConversationID, "url", url, "bytes", len(wavData))
	return nil
}

// runSummary condenses the transcript carried in the payload.
func (s *Stages) runSummary(ctx context.Context, task queue.Task) error {
	p, ok := task.Payload.(queue.SummaryPayload)
	if !ok {
		return fmt.Errorf("summary stage: unexpected payload %T", task.Payload)
	}

	result, err := s.Summarizer.Summarize(ctx, p.Transcript, p.Language, p.TypeHint)
	if err != nil {
		return fmt.Errorf("summary stage: %w", err)
	}
	if err := s.Registry.SetConversationSummary(p.ConversationID, result.Text); err != nil {
		return fmt.Errorf("summary stage: %w", err)
	}

	slog.Info("conversation summarized",
		"conversation_id", p.ConversationID, "tokens", result.TokensUsed)
	return nil
}

// runDocument renders the conversation into a shareable document.
func (s *Stages) runDocument(ctx context.Context, task queue.Task) error {
	p, ok := task.Payload.(queue.DocumentPayload)
	if !ok {
		return fmt.Errorf("document stage: unexpected payload %T", task.Payload)
	}

	conv, err := s.Registry.GetConversation(p.ConversationID)
	if err != nil {
		return fmt.Errorf("document stage: %w", err)
	}

	url, err := s.Renderer.Render(ctx, DocumentRequest{
		ConversationID: conv.ID,
		Title:          prompts.ForDocumentTitle(conv.AppName, conv.Identity),
		Summary:        conv.Summary,
		Transcript:     conv.Transcript,
		AudioURL:       conv.AudioURL,
		Annotations:    AnnotateSummary(conv.Summary),
	})
	if err != nil {
		return fmt.Errorf("document stage: %w", err)
	}
	if err := s.Registry.SetConversationDocumentURL(p.ConversationID, url); err != nil {
		return fmt.Errorf("document stage: %w", err)
	}

	slog.Info("conversation document rendered", "conversation_id", p.ConversationID, "url", url)
	return nil
}

// runNotification delivers the conversation document to the recipient.
func (s *Stages) runNotification(ctx context.Context, task queue.Task) error {
	p, ok := task.Payload.(queue.NotificationPayload)
	if !ok {
		return fmt.Errorf("notification stage: unexpected payload %T", task.Payload)
	}

	conv, err := s.Registry.GetConversation(p.ConversationID)
	if err != nil {
		return fmt.Errorf("notification stage: %w", err)
	}

	body := conv.Summary
	if conv.DocumentURL != "" {
		body += "\n\nFull document: " + conv.DocumentURL
	}
	mail := Mail{
		To:      p.Recipient,
		Subject: prompts.ForDocumentTitle(conv.AppName, conv.Identity),
		Body:    body,
	}
	if conv.DocumentURL != "" {
		mail.Attachments = append(mail.Attachments, conv.DocumentURL)
	}
	if conv.AudioURL != "" {
		mail.Attachments = append(mail.Attachments, conv.AudioURL)
	}
	if err := s.Mailer.Send(ctx, mail); err != nil {
		return fmt.Errorf("notification stage: %w", err)
	}

	slog.Info("conversation notification sent",
		"conversation_id", p.ConversationID, "recipient", p.Recipient)
	return nil
}
