// Package signaling tracks one peer connection's negotiation state per
// session. It applies offer/answer/candidate signals arriving over the
// session's websocket, surfaces connectivity transitions as typed events, and
// forwards inbound data-channel payloads to the session's audio sink. Media
// itself never passes through this package; only the control plane does.
package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ConnState is the peer connection's connectivity state as reported by the
// client. The set is closed.
type ConnState string

const (
	StateNew       ConnState = "new"
	StateConnected ConnState = "connected"
	StateFailed    ConnState = "failed"
	StateClosed    ConnState = "closed"
)

// SignalType tags an inbound signal frame.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is one inbound negotiation frame from the browser peer.
type Signal struct {
	Type      SignalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
}

// EventKind classifies relay events.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventFailed    EventKind = "failed"
	EventClosed    EventKind = "closed"
)

// Event is one connectivity transition. A failed event is reported upward
// and not retried here; retry policy belongs to the session's caller.
type Event struct {
	Kind      EventKind
	SessionID string
	Reason    string
}

// AudioSink receives data-channel payloads as ordered audio chunks.
// *transcribe.Client satisfies it.
type AudioSink interface {
	SendAudio(chunk []byte) (uint64, error)
}

var (
	// ErrRelayClosed is returned by operations on a closed relay.
	ErrRelayClosed = errors.New("signaling relay closed")

	// ErrNoOffer is returned when an answer or candidate arrives before any
	// offer has been applied.
	ErrNoOffer = errors.New("no offer applied")
)

// Relay holds one peer connection's bookkeeping for one session.
type Relay struct {
	sessionID string
	sink      AudioSink
	onEvent   func(Event)

	mu         sync.Mutex
	state      ConnState
	offer      string
	answer     string
	candidates []string
	closed     bool
}

// NewRelay creates a relay in the "new" state. onEvent may be nil.
func NewRelay(sessionID string, sink AudioSink, onEvent func(Event)) *Relay {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Relay{
		sessionID: sessionID,
		sink:      sink,
		onEvent:   onEvent,
		state:     StateNew,
	}
}

// State returns the current connectivity state.
func (r *Relay) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Apply records one negotiation signal. Candidates arriving before the offer
// are a client protocol error, not a transient condition.
func (r *Relay) Apply(sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRelayClosed
	}
	switch sig.Type {
	case SignalOffer:
		r.offer = sig.SDP
		r.answer = ""
		r.candidates = r.candidates[:0]
	case SignalAnswer:
		if r.offer == "" {
			return ErrNoOffer
		}
		r.answer = sig.SDP
	case SignalCandidate:
		if r.offer == "" {
			return ErrNoOffer
		}
		r.candidates = append(r.candidates, sig.Candidate)
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
	return nil
}

// Candidates returns the candidates gathered since the last offer.
func (r *Relay) Candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.candidates))
	copy(out, r.candidates)
	return out
}

// SetConnState records a connectivity transition reported by the client and
// publishes the corresponding event. Transitions on a closed relay and
// repeats of the current state are ignored.
func (r *Relay) SetConnState(state ConnState, reason string) {
	r.mu.Lock()
	if r.closed || r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	id := r.sessionID
	r.mu.Unlock()

	switch state {
	case StateConnected:
		r.onEvent(Event{Kind: EventConnected, SessionID: id})
	case StateFailed:
		slog.Warn("peer connection failed", "session_id", id, "reason", reason)
		r.onEvent(Event{Kind: EventFailed, SessionID: id, Reason: reason})
	case StateClosed:
		r.onEvent(Event{Kind: EventClosed, SessionID: id})
	}
}

// ForwardPayload hands one data-channel payload to the audio sink. Payloads
// arriving on a closed relay are dropped without error; teardown races
// delivery.
func (r *Relay) ForwardPayload(payload []byte) (uint64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, nil
	}
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		return 0, nil
	}
	seq, err := sink.SendAudio(payload)
	if err != nil {
		return 0, fmt.Errorf("forward audio payload: %w", err)
	}
	return seq, nil
}

// Close tears the relay down and publishes a closed event. Closing an
// already-closed relay is a no-op.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.state = StateClosed
	id := r.sessionID
	r.mu.Unlock()

	r.onEvent(Event{Kind: EventClosed, SessionID: id})
	return nil
}
