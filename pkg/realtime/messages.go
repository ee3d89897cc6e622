package realtime

// ============================================
// AI REALTIME PROTOCOL — WIRE MESSAGES
// ============================================
// Outbound kinds are a closed set (spec.md §4.5); inbound kinds are a
// closed set too, with unknown types recorded verbatim and otherwise
// ignored.

// Outbound message type strings.
const (
	outSessionUpdate           = "session.update"
	outInputAudioBufferAppend  = "input_audio_buffer.append"
	outInputAudioBufferCommit  = "input_audio_buffer.commit"
	outInputAudioBufferClear   = "input_audio_buffer.clear"
	outResponseCreate          = "response.create"
	outResponseCancel          = "response.cancel"
	outConversationItemCreate  = "conversation.item.create"
)

// Inbound (server→process) event type strings recognised by the mapping
// in spec.md §4.5. Anything else is recorded verbatim and not acted on.
const (
	inSessionCreated             = "session.created"
	inSessionUpdated             = "session.updated"
	inSpeechStarted              = "input_audio_buffer.speech_started"
	inSpeechStopped              = "input_audio_buffer.speech_stopped"
	inUserTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	inResponseCreated            = "response.created"
	inResponseAudioDelta         = "response.output_audio.delta"
	inResponseAudioDone          = "response.output_audio.done"
	inResponseTranscriptDelta    = "response.output_audio_transcript.delta"
	inResponseTranscriptDone     = "response.output_audio_transcript.done"
	inResponseDone                = "response.done"
	inResponseCancelled           = "response.cancelled"
	inRateLimitsUpdated           = "rate_limits.updated"
	inError                       = "error"
)

type sessionUpdateMsg struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

// sessionParams is the session-config contract of spec.md §4.5.
type sessionParams struct {
	Voice        string   `json:"voice,omitempty"`
	VoiceSpeed   float64  `json:"voice_speed,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`

	// MaxOutputTokens carries either an integer or the string "infinite";
	// set at most one of the two fields.
	MaxOutputTokens        int    `json:"max_output_tokens,omitempty"`
	MaxOutputTokensInfinite string `json:"max_response_output_tokens,omitempty"`

	InputAudioTranscription *inputAudioTranscriptionParams `json:"input_audio_transcription,omitempty"`
	InputAudioNoiseReduction *inputAudioNoiseReductionParams `json:"input_audio_noise_reduction,omitempty"`
	TurnDetection            *turnDetectionParams            `json:"turn_detection"`

	Modalities        []string `json:"modalities"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

type inputAudioTranscriptionParams struct {
	Model string `json:"model"`
}

type inputAudioNoiseReductionParams struct {
	Type string `json:"type"`
}

// turnDetectionParams carries the union of the three turn-detection
// variants (spec.md §4.5); a nil value means the manual/disabled variant.
type turnDetectionParams struct {
	Type              string  `json:"type"` // "server_vad" | "semantic_vad"
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	IdleTimeoutMs     int     `json:"idle_timeout_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type appendAudioMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16@24kHz
}

type simpleTypeMsg struct {
	Type string `json:"type"`
}

type conversationItemCreateMsg struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverEvent is the superset of fields any inbound event may carry. Not
// every field is populated for every Type.
type serverEvent struct {
	Type string `json:"type"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Response *responseInfo `json:"response,omitempty"`
	Usage    any           `json:"usage,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`

	RateLimits any `json:"rate_limits,omitempty"`
}

type responseInfo struct {
	ID         string `json:"id,omitempty"`
	Status     string `json:"status,omitempty"`
	StatusDesc string `json:"status_details,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}
