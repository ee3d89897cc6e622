// Package session defines the per-call session record and its lifecycle
// state machine (spec.md §3, §4.9).
package session

import (
	"sync"
	"time"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/eventlog"
)

// Direction is the call's direction.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// State is a bridge session's lifecycle state (spec.md §4.9).
type State string

const (
	StateInitializing    State = "initializing"
	StateTelephonyLinked State = "twilio-connected"
	StateConnectingAI    State = "connecting-ai"
	StateActive          State = "active"
	StateAIDisconnected  State = "ai-disconnected"
	StateError           State = "error"
	StateEnded           State = "ended"
)

// Speaker identifies which side of the call a TranscriptFragment came from.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptFragment is a final (non-delta) transcript line.
type TranscriptFragment struct {
	Speaker             Speaker
	Text                string
	RelativeTimestampMs int64
}

// Stats tracks per-session counters (spec.md §3).
type Stats struct {
	EventCount   int64
	TotalAudioMs int64
	SeqNum       int64
}

// Config is the AI configuration snapshot carried by a session; see
// pkg/realtime for the full session-config contract (spec.md §4.5).
type Config struct {
	Voice                string
	VoiceSpeed           float64 // 0 means "unset" (omit, defaults to 1.0)
	Instructions         string
	Temperature          float64
	MaxOutputTokens      int // 0 means unset; -1 is the "infinite" sentinel
	TranscriptionModel   string
	NoiseReduction       string // nearField | farField | off
	TurnDetection        TurnDetectionConfig
}

// TurnDetectionMode is the closed set of turn-detection variants.
type TurnDetectionMode string

const (
	TurnDetectionServerVAD TurnDetectionMode = "server_vad"
	TurnDetectionSemantic  TurnDetectionMode = "semantic_vad"
	TurnDetectionDisabled  TurnDetectionMode = "disabled"
)

// TurnDetectionConfig holds the fields relevant to whichever Mode is set;
// fields for the other modes are ignored.
type TurnDetectionConfig struct {
	Mode                TurnDetectionMode
	Threshold           float64 // server_vad: [0.1, 0.9]
	PrefixPaddingMs     int     // server_vad
	SilenceDurationMs   int     // server_vad
	IdleTimeoutMs       int     // server_vad, optional (0 = unset)
	Eagerness           string  // semantic_vad: low|medium|high|auto
	CreateResponse      bool
	InterruptResponse   bool
}

// CallSession is the per-call record exclusively owned by the Registry
// (spec.md §3 ownership). Peer adapters look sessions up by CallID through
// the Registry rather than holding a pointer, breaking the cyclic
// reference the teacher's orchestrator/peer graph had (spec.md §9).
type CallSession struct {
	mu sync.Mutex

	ID                 string
	CallID             string
	Direction          Direction
	PeerNumber         string
	CreatedAt          time.Time
	State              State
	Config             Config
	TelephonyStreamID  string // set exactly once, on the telephony `start` frame

	Stats       Stats
	Transcripts []TranscriptFragment

	Events *eventlog.Log

	// assistantSpeaking and interruptAllowed support barge-in bookkeeping in
	// pkg/realtime without exposing internal peer state outside this package.
	assistantSpeaking bool
	interruptAllowed  bool

	// forwardSuppressed is set while a response.cancel is in flight after a
	// barge-in and cleared on the matching response.cancelled (spec.md §5
	// ordering guarantee 4, §8 scenario 2): assistant audio arriving in that
	// window is still recorded but must not reach the telephony peer.
	forwardSuppressed bool
}

// NewCallSession creates a new session in StateInitializing.
func NewCallSession(id, callID string, direction Direction, idGen func() string) *CallSession {
	return &CallSession{
		ID:        id,
		CallID:    callID,
		Direction: direction,
		CreatedAt: time.Now(),
		State:     StateInitializing,
		Events:    eventlog.New(idGen),
	}
}

// SetState advances the session's lifecycle state under lock. Callers are
// responsible for only making transitions spec.md §4.9 allows.
func (s *CallSession) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// GetState returns the current lifecycle state.
func (s *CallSession) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SetConfig merges a possibly-partial config onto the session's existing
// configuration snapshot and returns the merged result (spec.md §4.7
// "Merge the supplied config into the session"): a field left at its zero
// value in cfg is treated as "not supplied" and the existing value is kept,
// following the same zero-means-unset convention the rest of Config already
// uses for VoiceSpeed and MaxOutputTokens.
func (s *CallSession) SetConfig(cfg Config) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Config = mergeConfig(s.Config, cfg)
	return s.Config
}

// mergeConfig overlays the non-zero fields of patch onto base.
func mergeConfig(base, patch Config) Config {
	merged := base
	if patch.Voice != "" {
		merged.Voice = patch.Voice
	}
	if patch.VoiceSpeed != 0 {
		merged.VoiceSpeed = patch.VoiceSpeed
	}
	if patch.Instructions != "" {
		merged.Instructions = patch.Instructions
	}
	if patch.Temperature != 0 {
		merged.Temperature = patch.Temperature
	}
	if patch.MaxOutputTokens != 0 {
		merged.MaxOutputTokens = patch.MaxOutputTokens
	}
	if patch.TranscriptionModel != "" {
		merged.TranscriptionModel = patch.TranscriptionModel
	}
	if patch.NoiseReduction != "" {
		merged.NoiseReduction = patch.NoiseReduction
	}
	merged.TurnDetection = mergeTurnDetection(base.TurnDetection, patch.TurnDetection)
	return merged
}

func mergeTurnDetection(base, patch TurnDetectionConfig) TurnDetectionConfig {
	merged := base
	if patch.Mode != "" {
		merged.Mode = patch.Mode
	}
	if patch.Threshold != 0 {
		merged.Threshold = patch.Threshold
	}
	if patch.PrefixPaddingMs != 0 {
		merged.PrefixPaddingMs = patch.PrefixPaddingMs
	}
	if patch.SilenceDurationMs != 0 {
		merged.SilenceDurationMs = patch.SilenceDurationMs
	}
	if patch.IdleTimeoutMs != 0 {
		merged.IdleTimeoutMs = patch.IdleTimeoutMs
	}
	if patch.Eagerness != "" {
		merged.Eagerness = patch.Eagerness
	}
	if patch.CreateResponse {
		merged.CreateResponse = patch.CreateResponse
	}
	if patch.InterruptResponse {
		merged.InterruptResponse = patch.InterruptResponse
	}
	return merged
}

// GetConfig returns a copy of the session's current AI configuration
// snapshot, safe for concurrent use alongside SetConfig.
func (s *CallSession) GetConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Config
}

// BindTelephonyStream sets TelephonyStreamID exactly once; subsequent
// calls are no-ops, preserving the spec.md §3 invariant.
func (s *CallSession) BindTelephonyStream(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TelephonyStreamID == "" {
		s.TelephonyStreamID = streamID
	}
}

// SetAssistantSpeaking records whether the AI peer is currently emitting
// assistant audio, used by the barge-in check in pkg/realtime.
func (s *CallSession) SetAssistantSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistantSpeaking = speaking
}

// AssistantSpeaking reports whether the AI peer is mid-response.
func (s *CallSession) AssistantSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantSpeaking
}

// SetInterruptAllowed records whether the current turn-detection config
// permits barge-in to cancel an in-flight response.
func (s *CallSession) SetInterruptAllowed(allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptAllowed = allowed
}

// InterruptAllowed reports whether barge-in may cancel the current response.
func (s *CallSession) InterruptAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptAllowed
}

// SetForwardSuppressed records whether assistant audio should currently be
// withheld from the telephony peer while a barge-in cancel is in flight.
func (s *CallSession) SetForwardSuppressed(suppressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardSuppressed = suppressed
}

// ForwardSuppressed reports whether assistant audio is currently withheld
// from the telephony peer (still recorded, not forwarded).
func (s *CallSession) ForwardSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardSuppressed
}

// AppendTranscript appends a final transcript fragment in arrival order.
func (s *CallSession) AppendTranscript(f TranscriptFragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Transcripts = append(s.Transcripts, f)
}

// IncrEventCount bumps the session's event counter; called alongside every
// eventlog.Log.Record so Stats.EventCount tracks the log without re-reading it.
func (s *CallSession) IncrEventCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.EventCount++
}

// AddAudioMs accumulates total forwarded/recorded audio duration.
func (s *CallSession) AddAudioMs(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.TotalAudioMs += ms
}

// NextSeq returns a monotonically increasing per-session sequence number.
func (s *CallSession) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.SeqNum++
	return s.Stats.SeqNum
}
