package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// TargetRate is the sample rate captures are normalized to. It matches the
// rate the recognition engine is configured with.
const TargetRate = 16000

// ErrCaptureNotFound is returned when a session has no open capture.
var ErrCaptureNotFound = errors.New("capture not found")

// Capture accumulates one session's audio. Chunks are decoded and resampled
// to TargetRate as they arrive so finalization is cheap.
type Capture struct {
	codec      Codec
	sampleRate int

	mu      sync.Mutex
	samples []float32
	closed  bool
}

// NewCapture creates a capture expecting chunks in the given codec. The
// sample rate is ignored for codecs with a fixed rate.
func NewCapture(codec Codec, sampleRate int) *Capture {
	if sampleRate <= 0 {
		sampleRate = TargetRate
	}
	return &Capture{codec: codec, sampleRate: sampleRate}
}

// Append decodes one chunk and adds it to the capture. Chunks arriving after
// finalization are dropped silently; delivery races session teardown.
func (c *Capture) Append(chunk []byte) error {
	decoded, rate, err := Decode(chunk, c.codec, c.sampleRate)
	if err != nil {
		return fmt.Errorf("decode capture chunk: %w", err)
	}
	decoded = Resample(decoded, rate, TargetRate)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.samples = append(c.samples, decoded...)
	return nil
}

// Duration returns the captured audio length.
func (c *Capture) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(len(c.samples)) * time.Second / TargetRate
}

// Finalize stops accepting chunks and encodes the capture as a WAV file.
func (c *Capture) Finalize() ([]byte, error) {
	c.mu.Lock()
	c.closed = true
	samples := c.samples
	c.mu.Unlock()
	return EncodeWAV(samples, TargetRate)
}

// Store holds open captures keyed by session id.
type Store struct {
	mu       sync.RWMutex
	captures map[string]*Capture
}

func NewStore() *Store {
	return &Store{captures: make(map[string]*Capture)}
}

// Open creates a capture for a session, replacing any existing one.
func (s *Store) Open(sessionID string, codec Codec, sampleRate int) *Capture {
	c := NewCapture(codec, sampleRate)
	s.mu.Lock()
	s.captures[sessionID] = c
	s.mu.Unlock()
	return c
}

// Get returns the session's open capture.
func (s *Store) Get(sessionID string) (*Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.captures[sessionID]
	if !ok {
		return nil, ErrCaptureNotFound
	}
	return c, nil
}

// Discard drops a session's capture and reports whether one existed.
// Discarding an unknown session is a no-op.
func (s *Store) Discard(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.captures[sessionID]
	delete(s.captures, sessionID)
	return ok
}
