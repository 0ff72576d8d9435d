package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
)

const writeTimeout = 5 * time.Second

type recordMsg struct {
	conversation *session.Conversation
	task         *queue.Task
}

// Recorder writes persistence updates asynchronously through a buffered
// channel so registry and broker callers never block on the database. All
// methods are nil-safe; a nil Recorder is a disabled one.
type Recorder struct {
	store *Store
	ch    chan recordMsg
	done  chan struct{}
}

// NewRecorder starts the drain goroutine. Call Close on shutdown to flush.
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store: store,
		ch:    make(chan recordMsg, 256),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for msg := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch {
		case msg.conversation != nil:
			err = r.store.Persist(ctx, *msg.conversation)
		case msg.task != nil:
			err = r.store.RecordTask(ctx, *msg.task)
		}
		cancel()
		if err != nil {
			slog.Warn("persistence write failed", "error", err)
		}
	}
}

// Persist queues a conversation snapshot. Satisfies session.ConversationStore.
func (r *Recorder) Persist(_ context.Context, c session.Conversation) error {
	if r == nil {
		return nil
	}
	r.offer(recordMsg{conversation: &c})
	return nil
}

// HandleQueueEvent records task lifecycle transitions. Registered as a
// broker listener.
func (r *Recorder) HandleQueueEvent(ev queue.Event) {
	if r == nil {
		return
	}
	task := ev.Task
	r.offer(recordMsg{task: &task})
}

func (r *Recorder) offer(msg recordMsg) {
	select {
	case r.ch <- msg:
	default:
		// Dropping a snapshot is safe: the next update replays the full row.
		slog.Warn("persistence queue full, snapshot dropped")
	}
}

// Close flushes buffered writes and stops the drain goroutine.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.ch)
	<-r.done
}
