package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/audio"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/signaling"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/transcribe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators for all widget sessions.
type HandlerConfig struct {
	Registry *session.Registry
	Captures *audio.Store
	Broker   *queue.Broker

	// Engine is the per-session relay client template; language and partials
	// come from each session's metadata.
	Engine transcribe.Config

	MaxConcurrent int
}

// Handler manages widget WebSocket sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a session handler with a concurrency admission limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// sessionMetadata is the first text frame sent by the widget.
type sessionMetadata struct {
	Identity       string `json:"identity"`
	AppName        string `json:"app_name"`
	Language       string `json:"language"`
	Codec          string `json:"codec"`
	SampleRate     int    `json:"sample_rate"`
	EnablePartials bool   `json:"enable_partials"`
}

// controlFrame is any text frame after the metadata frame.
type controlFrame struct {
	Type   string            `json:"type"` // "signal", "conn_state", "end"
	Signal *signaling.Signal `json:"signal,omitempty"`
	State  string            `json:"state,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// clientEvent is one JSON frame pushed back to the widget.
type clientEvent struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ServeHTTP upgrades the connection and runs the session. Returns 503 when
// at capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runSession(conn, r.RemoteAddr)
}

func (h *Handler) runSession(conn *websocket.Conn, remoteAddr string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read session metadata", "error", err)
		return
	}
	if meta.Language == "" {
		meta.Language = "en"
	}
	codec := audio.Codec(meta.Codec)
	if codec == "" {
		codec = audio.CodecPCM
	}
	if meta.SampleRate <= 0 {
		meta.SampleRate = audio.TargetRate
	}

	sess := h.cfg.Registry.StartSession(meta.Identity, meta.AppName, meta.Language, remoteAddr)
	capture := h.cfg.Captures.Open(sess.ID, codec, meta.SampleRate)
	send := newEventSender(conn)

	// Session lifecycle metrics and logs belong to the registry; here only the
	// transport detail it cannot see.
	slog.Debug("widget connected", "session_id", sess.ID, "codec", codec, "sample_rate", meta.SampleRate, "remote", remoteAddr)

	engineCfg := h.cfg.Engine
	engineCfg.Language = meta.Language
	engineCfg.EnablePartials = meta.EnablePartials
	engineCfg.Encoding = string(codec)
	engineCfg.SampleRate = meta.SampleRate
	engine := transcribe.NewClient(engineCfg)
	if err = engine.Connect(ctx); err != nil {
		slog.Error("connect recognition engine", "session_id", sess.ID, "error", err)
		send(clientEvent{Type: "error", Reason: "recognition engine unavailable"})
		h.teardown(sess.ID, codec, meta)
		return
	}

	relay := signaling.NewRelay(sess.ID, engine, func(ev signaling.Event) {
		send(clientEvent{Type: "signaling", Reason: ev.Reason, Text: string(ev.Kind), SessionID: ev.SessionID})
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.consumeEngine(engine, sess.ID, send)
	}()

	h.readFrames(conn, sess.ID, capture, relay, send)

	if err = engine.EndStream(); err != nil {
		slog.Debug("end stream", "session_id", sess.ID, "error", err)
	}
	engine.Close()
	relay.Close()
	wg.Wait()

	conv := h.teardown(sess.ID, codec, meta)
	if conv != nil {
		send(clientEvent{Type: "session_ended", SessionID: sess.ID, ConversationID: conv.ID})
	}
}

// readFrames consumes frames until the widget ends the session or drops.
// Binary frames are audio; text frames are control messages.
func (h *Handler) readFrames(conn *websocket.Conn, sessionID string, capture *audio.Capture, relay *signaling.Relay, send func(clientEvent)) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", sessionID, "error", err)
			return
		}

		if msgType == websocket.BinaryMessage {
			if err = capture.Append(data); err != nil {
				slog.Warn("capture chunk", "session_id", sessionID, "error", err)
				send(clientEvent{Type: "error", Reason: err.Error()})
				continue
			}
			if _, err = relay.ForwardPayload(data); err != nil {
				slog.Warn("forward audio", "session_id", sessionID, "error", err)
			}
			continue
		}

		var frame controlFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		switch frame.Type {
		case "signal":
			if frame.Signal != nil {
				if err = relay.Apply(*frame.Signal); err != nil {
					send(clientEvent{Type: "error", Reason: err.Error()})
				}
			}
		case "conn_state":
			relay.SetConnState(signaling.ConnState(frame.State), frame.Reason)
		case "end":
			return
		}
	}
}

// consumeEngine drains the relay client's events until its channel closes.
// Finals are appended to the session transcript; partials are pass-through.
func (h *Handler) consumeEngine(engine *transcribe.Client, sessionID string, send func(clientEvent)) {
	for ev := range engine.Events() {
		switch ev.Kind {
		case transcribe.EventPartialTranscript:
			send(clientEvent{Type: "partial", Text: ev.Transcript})
		case transcribe.EventFinalTranscript:
			h.cfg.Registry.AppendTranscript(sessionID, ev.Transcript)
			send(clientEvent{Type: "final", Text: ev.Transcript})
		case transcribe.EventRecognitionStarted:
			send(clientEvent{Type: "recognition_started", SessionID: sessionID})
		case transcribe.EventError:
			send(clientEvent{Type: "error", Reason: ev.Reason})
		case transcribe.EventMaxReconnectAttemptsReached:
			metrics.Errors.WithLabelValues("ws", "engine_degraded").Inc()
			send(clientEvent{Type: "error", Reason: "transcription degraded: engine unreachable"})
		}
	}
}

// teardown ends the session and hands the conversation to the pipeline by
// enqueuing the first stage. Post-processing starts only when a conversation
// actually exists.
func (h *Handler) teardown(sessionID string, codec audio.Codec, meta *sessionMetadata) *session.Conversation {
	conv, err := h.cfg.Registry.EndSession(sessionID)
	if err != nil {
		slog.Warn("end session", "session_id", sessionID, "error", err)
		h.cfg.Captures.Discard(sessionID)
		return nil
	}

	_, err = h.cfg.Broker.Enqueue(queue.AudioPayload{
		SessionID:      sessionID,
		ConversationID: conv.ID,
		Encoding:       string(codec),
		SampleRate:     meta.SampleRate,
	}, queue.Options{})
	if err != nil {
		slog.Error("enqueue audio task", "conversation_id", conv.ID, "error", err)
	}
	return &conv
}

func newEventSender(conn *websocket.Conn) func(clientEvent) {
	var mu sync.Mutex
	return func(ev clientEvent) {
		mu.Lock()
		defer mu.Unlock()
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("write client event", "error", err)
		}
	}
}

func readMetadata(conn *websocket.Conn) (*sessionMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta sessionMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
