// Package eventlog implements the per-session, append-only, bounded event
// ring and its fan-out to observer subscribers.
//
// ============================================
// EVENT LOG
// Bounded ring buffer with subscriber fan-out
// ============================================
package eventlog

import (
	"strconv"
	"sync"
	"time"
)

// Kind is the closed set of event kinds the bridge can record.
type Kind string

const (
	KindCallConnected         Kind = "call.connected"
	KindCallDisconnected      Kind = "call.disconnected"
	KindCallStarted           Kind = "call.started"
	KindSessionCreated        Kind = "session.created"
	KindSessionUpdated        Kind = "session.updated"
	KindSpeechStarted         Kind = "input_audio_buffer.speech_started"
	KindSpeechStopped         Kind = "input_audio_buffer.speech_stopped"
	KindUserTranscript        Kind = "conversation.item.input_audio_transcription.completed"
	KindResponseCreated       Kind = "response.created"
	KindResponseAudioDelta    Kind = "response.output_audio.delta"
	KindResponseAudioDone     Kind = "response.output_audio.done"
	KindResponseTranscriptDelta Kind = "response.output_audio_transcript.delta"
	KindResponseTranscriptDone Kind = "response.output_audio_transcript.done"
	KindResponseDone          Kind = "response.done"
	KindResponseCancelled     Kind = "response.cancelled"
	KindRateLimitsUpdated     Kind = "rate_limits.updated"
	KindMark                  Kind = "mark"
	KindTelephonyBackpressure Kind = "telephony.backpressure"
	KindProtocolWarn          Kind = "protocol.warn"
	KindError                 Kind = "error"
	KindPersistenceError      Kind = "persistence.error"
)

// Direction is the event's direction from the process's perspective.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Record is an immutable entry in a session's event log.
type Record struct {
	ID        string
	Timestamp time.Time
	CallID    string
	Kind      Kind
	Direction Direction
	Payload   any
}

const (
	ringCap      = 1000
	trimBulk     = 500
	replayCap    = 50
	fanoutBuffer = 64
)

// Log is a per-session bounded ring of Records with subscriber fan-out.
// Ordering: Record is serialised by mu, so concurrent producers (the AI
// adapter, the orchestrator) observe one total order, and every
// subscriber sees that same order (spec.md §4.4, §5 ordering guarantee 1).
type Log struct {
	mu          sync.Mutex
	ring        []Record
	subscribers map[string]chan Record
	nextSubID   int
	nextEventID func() string
	closed      bool
}

// New creates an empty Log. idGen produces event ids (typically uuid.New().String).
func New(idGen func() string) *Log {
	return &Log{
		subscribers: make(map[string]chan Record),
		nextEventID: idGen,
	}
}

// Record appends evt to the ring (trimming in bulk if over capacity) and
// fans it out to every current subscriber. The returned Record carries the
// assigned ID and Timestamp.
func (l *Log) Record(callID string, kind Kind, direction Direction, payload any) Record {
	l.mu.Lock()
	if l.closed {
		rec := Record{ID: l.nextEventID(), Timestamp: time.Now(), CallID: callID, Kind: kind, Direction: direction, Payload: payload}
		l.mu.Unlock()
		return rec
	}
	rec := Record{
		ID:        l.nextEventID(),
		Timestamp: time.Now(),
		CallID:    callID,
		Kind:      kind,
		Direction: direction,
		Payload:   payload,
	}

	l.ring = append(l.ring, rec)
	if len(l.ring) > ringCap {
		// Trim in bulk to amortise the cost (spec.md §4.4).
		drop := len(l.ring) - (ringCap - trimBulk)
		if drop > len(l.ring) {
			drop = len(l.ring)
		}
		l.ring = append([]Record(nil), l.ring[drop:]...)
	}

	// Fan out while still holding mu: sends never block, and doing it under
	// the lock keeps delivery order identical to append order and keeps
	// Unsubscribe/Close from closing a channel mid-send.
	for _, ch := range l.subscribers {
		select {
		case ch <- rec:
		default:
			// Slow subscriber: drop rather than block the append path.
		}
	}
	l.mu.Unlock()

	return rec
}

// Recent returns up to the last `replayCap` (50) recorded events, in order.
func (l *Log) Recent() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.ring)
	if n > replayCap {
		n = replayCap
	}
	out := make([]Record, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}

// Subscribe registers a new fan-out channel and returns its id and receive
// side. Unsubscribe must be called to release it.
func (l *Log) Subscribe() (id string, ch <-chan Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSubID++
	subID := strconv.Itoa(l.nextSubID)
	c := make(chan Record, fanoutBuffer)
	l.subscribers[subID] = c
	return subID, c
}

// Unsubscribe removes and closes the subscriber channel for id.
func (l *Log) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.subscribers[id]; ok {
		delete(l.subscribers, id)
		close(ch)
	}
}

// Close closes every subscriber channel and stops further fan-out. Called
// once a session is destroyed (spec.md §4.8); the ring itself is left
// intact so a lingering Recent() call still returns the final history.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subscribers {
		delete(l.subscribers, id)
		close(ch)
	}
}
