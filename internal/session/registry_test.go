package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/events"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBroadcaster) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) kinds() []events.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Kind, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestStartEndSessionProducesConversation(t *testing.T) {
	t.Parallel()

	bc := &recordingBroadcaster{}
	r := NewRegistry(bc, nil)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	s := r.StartSession("a@x.com", "Patrol", "en", "conn-1")
	if s.Status != StatusActive || s.ID == "" {
		t.Fatalf("session = %+v", s)
	}

	if !r.AppendTranscript(s.ID, "stop at the light") {
		t.Fatal("append transcript on live session returned false")
	}

	now = now.Add(90*time.Second + 700*time.Millisecond)
	c, err := r.EndSession(s.ID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if c.Status != ConversationProcessing {
		t.Fatalf("conversation status = %s, want processing", c.Status)
	}
	if c.Transcript != "stop at the light" {
		t.Fatalf("transcript = %q", c.Transcript)
	}
	if c.DurationSec != 90 {
		t.Fatalf("duration = %d, want 90 whole seconds", c.DurationSec)
	}
	if c.SessionID != s.ID || c.ID == s.ID {
		t.Fatalf("conversation ids: %+v", c)
	}

	want := []events.Kind{events.SessionEnded, events.ConversationCreated}
	got := bc.kinds()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestEndUnknownSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	if _, err := r.EndSession("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if len(r.ListConversations()) != 0 {
		t.Fatal("a conversation was created for an unknown session")
	}
}

func TestEndSessionTwiceProducesOneConversation(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s := r.StartSession("a@x.com", "Patrol", "en", "conn-1")
	if _, err := r.EndSession(s.ID); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if _, err := r.EndSession(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second end = %v, want ErrSessionNotFound", err)
	}
	if n := len(r.ListConversations()); n != 1 {
		t.Fatalf("conversations = %d, want 1", n)
	}
}

func TestAppendTranscriptRacesTeardownSafely(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s := r.StartSession("a@x.com", "Patrol", "en", "conn-1")
	r.EndSession(s.ID)

	if r.AppendTranscript(s.ID, "late segment") {
		t.Fatal("append to ended session should return false")
	}
	if r.AppendTranscript("unknown", "text") {
		t.Fatal("append to unknown session should return false")
	}
	if r.SetAudioURL("unknown", "http://x") {
		t.Fatal("set audio url on unknown session should return false")
	}
}

func TestTranscriptSegmentsJoinInOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s := r.StartSession("a@x.com", "Patrol", "en", "conn-1")
	r.AppendTranscript(s.ID, "first")
	r.AppendTranscript(s.ID, "  second  ")
	r.AppendTranscript(s.ID, "")

	got, _ := r.GetSession(s.ID)
	if got.Transcript != "first second" {
		t.Fatalf("transcript = %q", got.Transcript)
	}
}

func TestConversationFieldSetsAreIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s := r.StartSession("a@x.com", "Patrol", "en", "conn-1")
	c, _ := r.EndSession(s.ID)

	for i := 0; i < 2; i++ {
		if err := r.SetConversationAudioURL(c.ID, "http://store/audio.wav"); err != nil {
			t.Fatalf("set audio url: %v", err)
		}
		if err := r.SetConversationSummary(c.ID, "a summary"); err != nil {
			t.Fatalf("set summary: %v", err)
		}
	}

	got, _ := r.GetConversation(c.ID)
	if got.AudioURL != "http://store/audio.wav" || got.Summary != "a summary" {
		t.Fatalf("conversation = %+v", got)
	}

	if err := r.MarkConversationFailed(c.ID, "stage blew up"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = r.GetConversation(c.ID)
	if got.Status != ConversationFailed || got.Error != "stage blew up" {
		t.Fatalf("conversation = %+v", got)
	}
	// Partial results survive failure.
	if got.Summary != "a summary" {
		t.Fatal("summary rolled back on failure")
	}
}

func TestSweepRemovesOnlyExpiredEndedSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	old := r.StartSession("a@x.com", "Patrol", "en", "conn-1")
	c, _ := r.EndSession(old.ID)

	now = now.Add(1 * time.Hour)
	fresh := r.StartSession("b@x.com", "Patrol", "en", "conn-2")
	r.EndSession(fresh.ID)
	live := r.StartSession("c@x.com", "Patrol", "en", "conn-3")

	// 25h after the first session ended: only it is past retention.
	now = now.Add(24 * time.Hour)
	if removed := r.Sweep(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := r.GetSession(old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("expired session still present")
	}
	if _, err := r.GetSession(fresh.ID); err != nil {
		t.Fatal("recently ended session swept too early")
	}
	if _, err := r.GetSession(live.ID); err != nil {
		t.Fatal("active session swept")
	}
	// Conversations are never touched by the sweep.
	if _, err := r.GetConversation(c.ID); err != nil {
		t.Fatal("sweep removed a conversation")
	}
}
