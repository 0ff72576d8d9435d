package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/metrics"
)

// State is the relay client's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConfigured   State = "configured"
	StateStreaming    State = "streaming"
	StateFinishing    State = "finishing"
	StateReconnecting State = "reconnecting"
)

// ErrNotStreaming is returned when audio is offered before the engine has
// acknowledged the configuration frame. The chunk is rejected locally, never sent.
var ErrNotStreaming = errors.New("audio rejected: engine has not acknowledged configuration")

// ErrAlreadyConnected is returned by Connect on a client that is not disconnected.
var ErrAlreadyConnected = errors.New("client already connected")

// EventKind classifies relay client events. The set is closed.
type EventKind string

const (
	EventRecognitionStarted          EventKind = "recognition_started"
	EventPartialTranscript           EventKind = "partial_transcript"
	EventFinalTranscript             EventKind = "final_transcript"
	EventEndOfTranscript             EventKind = "end_of_transcript"
	EventInfo                        EventKind = "info"
	EventError                       EventKind = "error"
	EventDisconnected                EventKind = "disconnected"
	EventMaxReconnectAttemptsReached EventKind = "max_reconnect_attempts_reached"
)

// Event is one demultiplexed engine frame or connection transition. An Error
// event is session-scoped and does not terminate the stream; only a closed
// channel does.
type Event struct {
	Kind       EventKind
	Transcript string
	EngineID   string
	Reason     string
}

// Config describes one session's engine connection.
type Config struct {
	URL            string
	APIKey         string
	Language       string
	EnablePartials bool
	Punctuation    *PunctuationOverrides
	MaxDelay       float64
	Diarization    string
	Encoding       string
	SampleRate     int
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	MaxReconnects  int
	Dialer         *websocket.Dialer
}

// Client is a per-session duplex connection to the recognition engine. It
// frames outbound audio with a monotonic sequence counter and demultiplexes
// inbound frames into typed events. Abnormal closure triggers bounded
// reconnection with exponential backoff; operator-initiated close does not.
type Client struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	seq      uint64
	engineID string
	closed   bool

	events   chan Event
	finished bool
}

// NewClient creates a disconnected client.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_s16le"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		state:  StateDisconnected,
		events: make(chan Event, 64),
	}
}

// Events returns the typed event stream. It is closed when the connection is
// gone for good: operator close or exhausted reconnects.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeq returns the sequence number of the last accepted audio chunk.
func (c *Client) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// EngineID returns the engine-assigned session id, once recognition started.
func (c *Client) EngineID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engineID
}

// Connect dials the engine, sends the configuration frame, and blocks until
// the engine acknowledges it or the connect timeout elapses. Other sessions
// are unaffected; each session owns its own client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.closed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialAndConfigure(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("client closed during connect")
	}
	c.conn = conn
	c.state = StateStreaming
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// dialAndConfigure opens the channel, sends StartRecognition, and reads until
// the engine acknowledges. Engine-side state is not assumed to survive a
// reconnect, so this runs again on every attempt.
func (c *Client) dialAndConfigure(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial recognition engine: %w", err)
	}

	cfgFrame := startRecognition{
		Type: "StartRecognition",
		AudioFormat: audioFormat{
			Encoding:   c.cfg.Encoding,
			SampleRate: c.cfg.SampleRate,
		},
		TranscriptionConfig: transcriptionConfig{
			Language:             c.cfg.Language,
			EnablePartials:       c.cfg.EnablePartials,
			PunctuationOverrides: c.cfg.Punctuation,
			MaxDelay:             c.cfg.MaxDelay,
			Diarization:          c.cfg.Diarization,
		},
	}
	if err = conn.WriteJSON(cfgFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send configuration: %w", err)
	}

	c.mu.Lock()
	c.state = StateConfigured
	c.mu.Unlock()

	// Block until the engine acknowledges configuration.
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("await configuration ack: %w", err)
		}
		var msg serverMessage
		if json.Unmarshal(payload, &msg) != nil {
			continue
		}
		switch msg.Message {
		case msgRecognitionStarted:
			c.mu.Lock()
			c.engineID = msg.ID
			c.mu.Unlock()
			c.emit(Event{Kind: EventRecognitionStarted, EngineID: msg.ID})
			return conn, nil
		case msgInfo:
			c.emit(Event{Kind: EventInfo, Reason: msg.Reason})
		case msgError:
			conn.Close()
			return nil, fmt.Errorf("engine rejected configuration: %s: %s", msg.Type, msg.Reason)
		}
	}
}

// SendAudio frames one audio chunk. Chunks from one session are ordered and
// numbered consecutively; cross-session ordering is irrelevant.
func (c *Client) SendAudio(chunk []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return 0, ErrNotStreaming
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return 0, fmt.Errorf("send audio: %w", err)
	}
	c.seq++
	metrics.AudioChunks.Inc()
	return c.seq, nil
}

// EndStream sends the end-of-stream control frame carrying the last sequence
// number sent, then stops accepting audio.
func (c *Client) EndStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.state != StateStreaming {
		return ErrNotStreaming
	}
	frame := endOfStream{Type: "EndOfStream", LastSeqNo: c.seq}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send end of stream: %w", err)
	}
	c.state = StateFinishing // no further audio accepted
	return nil
}

// Close is the operator-initiated close. It never triggers reconnection and
// is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	} else {
		c.finish()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(err)
			return
		}
		var msg serverMessage
		if json.Unmarshal(payload, &msg) != nil {
			continue
		}
		switch msg.Message {
		case msgAddPartialTranscript:
			// Ephemeral: the consumer replaces the previous partial.
			c.emit(Event{Kind: EventPartialTranscript, Transcript: msg.Metadata.Transcript})
		case msgAddTranscript:
			c.emit(Event{Kind: EventFinalTranscript, Transcript: msg.Metadata.Transcript})
		case msgEndOfTranscript:
			c.emit(Event{Kind: EventEndOfTranscript})
		case msgInfo:
			c.emit(Event{Kind: EventInfo, Reason: msg.Reason})
		case msgError:
			// Session-scoped: surfaced to the caller, stream stays up.
			c.emit(Event{Kind: EventError, Reason: fmt.Sprintf("%s: %s", msg.Type, msg.Reason)})
		}
	}
}

// handleClosure distinguishes expected closure from abnormal closure. Only
// the latter triggers reconnection: an operator close and an engine close
// after the end-of-stream frame are both normal ends.
func (c *Client) handleClosure(cause error) {
	c.mu.Lock()
	if c.closed || c.state == StateFinishing {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventDisconnected})
		c.finish()
		return
	}
	c.state = StateReconnecting
	c.conn = nil
	c.mu.Unlock()

	slog.Warn("engine connection lost, reconnecting", "error", cause)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := c.cfg.ReconnectBase << (attempt - 1)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.finish()
			return
		}
		c.mu.Unlock()

		metrics.EngineReconnects.Inc()
		conn, err := c.dialAndConfigure(context.Background())
		if err != nil {
			slog.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateStreaming
		c.mu.Unlock()

		slog.Info("engine connection restored", "attempt", attempt)
		go c.readLoop(conn)
		return
	}

	// Degraded: the caller decides whether to end the session.
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.emit(Event{Kind: EventMaxReconnectAttemptsReached})
	c.finish()
}

// emit performs a non-blocking send; a slow consumer drops events rather than
// stalling the read loop.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("relay event dropped", "kind", ev.Kind)
	}
}

func (c *Client) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	close(c.events)
}
