package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEngine is a minimal recognition endpoint. It acknowledges the
// configuration frame, records binary chunk counts, and replays any frames
// queued on inbound.
type fakeEngine struct {
	upgrader websocket.Upgrader

	ackDelay   time.Duration
	rejectWith string // non-empty: answer StartRecognition with an Error frame

	gotConfig chan startRecognition
	gotAudio  chan []byte
	gotEnd    chan endOfStream
	conns     chan *websocket.Conn
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		gotConfig: make(chan startRecognition, 4),
		gotAudio:  make(chan []byte, 64),
		gotEnd:    make(chan endOfStream, 4),
		conns:     make(chan *websocket.Conn, 4),
	}
}

func (e *fakeEngine) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.conns <- conn

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			e.gotAudio <- payload
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(payload, &head) != nil {
			continue
		}
		switch head.Type {
		case "StartRecognition":
			var cfg startRecognition
			json.Unmarshal(payload, &cfg)
			e.gotConfig <- cfg
			time.Sleep(e.ackDelay)
			if e.rejectWith != "" {
				conn.WriteJSON(map[string]string{
					"message": msgError,
					"type":    e.rejectWith,
					"reason":  "not permitted",
				})
				continue
			}
			conn.WriteJSON(map[string]string{
				"message": msgRecognitionStarted,
				"id":      "eng-1234",
			})
		case "EndOfStream":
			var eos endOfStream
			json.Unmarshal(payload, &eos)
			e.gotEnd <- eos
		}
	}
}

func (e *fakeEngine) send(t *testing.T, v any) {
	t.Helper()
	select {
	case conn := <-e.conns:
		e.conns <- conn
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("engine send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no engine connection to send on")
	}
}

func startEngine(t *testing.T) (*fakeEngine, string) {
	t.Helper()
	eng := newFakeEngine()
	srv := httptest.NewServer(http.HandlerFunc(eng.handler))
	t.Cleanup(srv.Close)
	return eng, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestConnectBlocksUntilAck(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)
	eng.ackDelay = 100 * time.Millisecond

	c := NewClient(Config{URL: url, Language: "en", EnablePartials: true})
	start := time.Now()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if elapsed := time.Since(start); elapsed < eng.ackDelay {
		t.Errorf("Connect returned after %v, before the engine acknowledged", elapsed)
	}
	if got := c.State(); got != StateStreaming {
		t.Errorf("state after connect = %s, want %s", got, StateStreaming)
	}
	if got := c.EngineID(); got != "eng-1234" {
		t.Errorf("engine id = %q, want eng-1234", got)
	}

	cfg := <-eng.gotConfig
	if cfg.AudioFormat.Encoding != "pcm_s16le" || cfg.AudioFormat.SampleRate != 16000 {
		t.Errorf("unexpected audio format: %+v", cfg.AudioFormat)
	}
	if !cfg.TranscriptionConfig.EnablePartials || cfg.TranscriptionConfig.Language != "en" {
		t.Errorf("unexpected transcription config: %+v", cfg.TranscriptionConfig)
	}
	recvEvent(t, c, EventRecognitionStarted)
}

func TestAudioRejectedBeforeAck(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{URL: "ws://unused"})
	if _, err := c.SendAudio([]byte{1, 2}); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("SendAudio on disconnected client: err = %v, want ErrNotStreaming", err)
	}
}

func TestSequenceNumbersAndEndOfStream(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)
	c := NewClient(Config{URL: url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	for want := uint64(1); want <= 5; want++ {
		seq, err := c.SendAudio([]byte{byte(want)})
		if err != nil {
			t.Fatalf("SendAudio #%d: %v", want, err)
		}
		if seq != want {
			t.Fatalf("chunk sequence = %d, want %d", seq, want)
		}
	}
	if err := c.EndStream(); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	select {
	case eos := <-eng.gotEnd:
		if eos.LastSeqNo != 5 {
			t.Errorf("last_seq_no = %d, want 5", eos.LastSeqNo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never received EndOfStream")
	}

	if _, err := c.SendAudio([]byte{9}); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("SendAudio after EndStream: err = %v, want ErrNotStreaming", err)
	}
}

func TestEngineClosureAfterEndOfStreamIsANormalEnd(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)

	c := NewClient(Config{URL: url, Language: "en", MaxReconnects: 3, ReconnectBase: 10 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-eng.gotConfig

	if _, err := c.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := c.EndStream(); err != nil {
		t.Fatalf("EndStream: %v", err)
	}
	if got := c.State(); got != StateFinishing {
		t.Errorf("state after EndStream = %s, want %s", got, StateFinishing)
	}

	// The engine hangs up once it has flushed everything after EndOfStream.
	<-eng.gotEnd
	eng.send(t, map[string]string{"message": msgEndOfTranscript})
	recvEvent(t, c, EventEndOfTranscript)
	select {
	case conn := <-eng.conns:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no engine connection to close")
	}

	recvEvent(t, c, EventDisconnected)
	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event after disconnect: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel still open after engine closure")
	}

	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after engine closure = %s, want %s", got, StateDisconnected)
	}
	select {
	case <-eng.gotConfig:
		t.Fatal("client redialed the engine after end of stream")
	default:
	}
}

func TestTranscriptEventsDemultiplexed(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)
	c := NewClient(Config{URL: url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	recvEvent(t, c, EventRecognitionStarted)

	eng.send(t, map[string]any{
		"message":  msgAddPartialTranscript,
		"metadata": map[string]string{"transcript": "stop at"},
	})
	if ev := recvEvent(t, c, EventPartialTranscript); ev.Transcript != "stop at" {
		t.Errorf("partial transcript = %q", ev.Transcript)
	}

	eng.send(t, map[string]any{
		"message":  msgAddTranscript,
		"metadata": map[string]string{"transcript": "stop at the light"},
	})
	if ev := recvEvent(t, c, EventFinalTranscript); ev.Transcript != "stop at the light" {
		t.Errorf("final transcript = %q", ev.Transcript)
	}
}

func TestEngineErrorDoesNotTerminateStream(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)
	c := NewClient(Config{URL: url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	recvEvent(t, c, EventRecognitionStarted)

	eng.send(t, map[string]string{
		"message": msgError,
		"type":    "unsupported_audio_type",
		"reason":  "bad chunk",
	})
	ev := recvEvent(t, c, EventError)
	if !strings.Contains(ev.Reason, "unsupported_audio_type") {
		t.Errorf("error reason = %q", ev.Reason)
	}

	// The stream survives the session-scoped error.
	if _, err := c.SendAudio([]byte{1}); err != nil {
		t.Fatalf("SendAudio after engine error: %v", err)
	}
	select {
	case <-eng.gotAudio:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never received audio after error frame")
	}
}

func TestConfigurationRejected(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)
	eng.rejectWith = "not_authorised"

	c := NewClient(Config{URL: url})
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded despite engine rejection")
	}
	if !strings.Contains(err.Error(), "not_authorised") {
		t.Errorf("rejection error = %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after rejection = %s, want %s", got, StateDisconnected)
	}
}

func TestOperatorCloseIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	_, url := startEngine(t)
	c := NewClient(Config{URL: url})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Operator close must not reconnect: the channel drains and closes.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				if got := c.State(); got != StateDisconnected {
					t.Errorf("state after close = %s, want %s", got, StateDisconnected)
				}
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after operator close")
		}
	}
}

func TestAbnormalClosureReconnects(t *testing.T) {
	t.Parallel()
	eng, url := startEngine(t)
	c := NewClient(Config{URL: url, ReconnectBase: 10 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	recvEvent(t, c, EventRecognitionStarted)

	// Sever the engine side without an operator close.
	(<-eng.conns).Close()

	// The client reconfigures on the new connection and resumes streaming.
	recvEvent(t, c, EventRecognitionStarted)
	<-eng.gotConfig
	<-eng.gotConfig
	waitUntil := time.Now().Add(2 * time.Second)
	for c.State() != StateStreaming {
		if time.Now().After(waitUntil) {
			t.Fatalf("state = %s, never resumed streaming", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	seq, err := c.SendAudio([]byte{7})
	if err != nil {
		t.Fatalf("SendAudio after reconnect: %v", err)
	}
	if seq != 1 {
		t.Errorf("sequence after reconnect = %d, want continuation from 1", seq)
	}
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	srv := httptest.NewServer(http.HandlerFunc(eng.handler))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := NewClient(Config{URL: url, ReconnectBase: time.Millisecond, MaxReconnects: 2})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	recvEvent(t, c, EventRecognitionStarted)

	// Take the whole endpoint away so every reconnect attempt fails. The
	// upgraded websocket is a hijacked connection, which httptest no longer
	// tracks, so CloseClientConnections and Close leave it open; sever it
	// explicitly once the listener is down.
	srv.CloseClientConnections()
	srv.Close()
	(<-eng.conns).Close()

	recvEvent(t, c, EventMaxReconnectAttemptsReached)
	if _, ok := <-c.Events(); ok {
		// Drain until closed.
		for range c.Events() {
		}
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state after exhausted reconnects = %s, want %s", got, StateDisconnected)
	}
}
