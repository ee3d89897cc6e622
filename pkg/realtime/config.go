package realtime

import "github.com/jwillz7667/voiceaipro-sub000/pkg/session"

// ============================================
// SESSION-CONFIG CONTRACT
// session.Config → outbound session.update wire params (spec.md §4.5)
// ============================================

const infiniteTokensSentinel = "infinite"

// buildSessionParams translates a session.Config snapshot into the wire
// representation sent on session.update and on the initial connect.
func buildSessionParams(cfg session.Config) sessionParams {
	p := sessionParams{
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		Temperature:  cfg.Temperature,

		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}

	// 1.0 is the server-side default; omit it alongside the 0 ("unset")
	// sentinel so only an actual non-default speed is sent (spec.md §4.5).
	if cfg.VoiceSpeed != 0 && cfg.VoiceSpeed != 1.0 {
		p.VoiceSpeed = cfg.VoiceSpeed
	}

	switch cfg.MaxOutputTokens {
	case 0:
		// unset, omit both fields.
	case -1:
		p.MaxOutputTokensInfinite = infiniteTokensSentinel
	default:
		p.MaxOutputTokens = cfg.MaxOutputTokens
	}

	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &inputAudioTranscriptionParams{Model: cfg.TranscriptionModel}
	}
	if cfg.NoiseReduction != "" && cfg.NoiseReduction != "off" {
		p.InputAudioNoiseReduction = &inputAudioNoiseReductionParams{Type: cfg.NoiseReduction}
	}

	p.TurnDetection = buildTurnDetectionParams(cfg.TurnDetection)

	return p
}

// buildTurnDetectionParams maps the closed set of turn-detection modes onto
// the union wire shape. The disabled mode sends an explicit null so a prior
// server-side VAD setting is cleared rather than left in place.
func buildTurnDetectionParams(cfg session.TurnDetectionConfig) *turnDetectionParams {
	switch cfg.Mode {
	case session.TurnDetectionServerVAD:
		return &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         cfg.Threshold,
			PrefixPaddingMs:   cfg.PrefixPaddingMs,
			SilenceDurationMs: cfg.SilenceDurationMs,
			IdleTimeoutMs:     cfg.IdleTimeoutMs,
			CreateResponse:    cfg.CreateResponse,
			InterruptResponse: cfg.InterruptResponse,
		}
	case session.TurnDetectionSemantic:
		return &turnDetectionParams{
			Type:              "semantic_vad",
			Eagerness:         cfg.Eagerness,
			CreateResponse:    cfg.CreateResponse,
			InterruptResponse: cfg.InterruptResponse,
		}
	default:
		return nil
	}
}

// interruptAllowed reports whether the given turn-detection config permits
// a detected barge-in to cancel an in-flight response (spec.md §4.5, §5).
func interruptAllowed(cfg session.TurnDetectionConfig) bool {
	return cfg.Mode != session.TurnDetectionDisabled && cfg.InterruptResponse
}
