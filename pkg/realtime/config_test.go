package realtime

import (
	"testing"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/session"
)

func TestBuildSessionParamsOmitsUnsetMaxTokens(t *testing.T) {
	p := buildSessionParams(session.Config{})
	if p.MaxOutputTokens != 0 || p.MaxOutputTokensInfinite != "" {
		t.Fatalf("expected both max-token fields unset, got %+v", p)
	}
}

func TestBuildSessionParamsInfiniteSentinel(t *testing.T) {
	p := buildSessionParams(session.Config{MaxOutputTokens: -1})
	if p.MaxOutputTokensInfinite != infiniteTokensSentinel {
		t.Fatalf("expected infinite sentinel, got %q", p.MaxOutputTokensInfinite)
	}
	if p.MaxOutputTokens != 0 {
		t.Fatalf("expected integer field to stay zero, got %d", p.MaxOutputTokens)
	}
}

func TestBuildSessionParamsFiniteTokenCount(t *testing.T) {
	p := buildSessionParams(session.Config{MaxOutputTokens: 512})
	if p.MaxOutputTokens != 512 {
		t.Fatalf("expected 512, got %d", p.MaxOutputTokens)
	}
	if p.MaxOutputTokensInfinite != "" {
		t.Fatal("expected infinite sentinel field to stay empty")
	}
}

func TestBuildSessionParamsOmitsOffNoiseReduction(t *testing.T) {
	p := buildSessionParams(session.Config{NoiseReduction: "off"})
	if p.InputAudioNoiseReduction != nil {
		t.Fatal("expected noise reduction to be omitted when off")
	}
}

func TestBuildSessionParamsKeepsNearFieldNoiseReduction(t *testing.T) {
	p := buildSessionParams(session.Config{NoiseReduction: "nearField"})
	if p.InputAudioNoiseReduction == nil || p.InputAudioNoiseReduction.Type != "nearField" {
		t.Fatalf("expected nearField noise reduction, got %+v", p.InputAudioNoiseReduction)
	}
}

func TestBuildTurnDetectionServerVAD(t *testing.T) {
	td := buildTurnDetectionParams(session.TurnDetectionConfig{
		Mode:              session.TurnDetectionServerVAD,
		Threshold:         0.6,
		SilenceDurationMs: 500,
	})
	if td == nil || td.Type != "server_vad" || td.Threshold != 0.6 {
		t.Fatalf("unexpected server_vad params: %+v", td)
	}
}

func TestBuildTurnDetectionSemantic(t *testing.T) {
	td := buildTurnDetectionParams(session.TurnDetectionConfig{
		Mode:      session.TurnDetectionSemantic,
		Eagerness: "high",
	})
	if td == nil || td.Type != "semantic_vad" || td.Eagerness != "high" {
		t.Fatalf("unexpected semantic_vad params: %+v", td)
	}
}

func TestBuildTurnDetectionDisabledIsNil(t *testing.T) {
	td := buildTurnDetectionParams(session.TurnDetectionConfig{Mode: session.TurnDetectionDisabled})
	if td != nil {
		t.Fatalf("expected nil turn detection for disabled mode, got %+v", td)
	}
}

func TestInterruptAllowedRequiresNonDisabledAndFlag(t *testing.T) {
	cases := []struct {
		cfg  session.TurnDetectionConfig
		want bool
	}{
		{session.TurnDetectionConfig{Mode: session.TurnDetectionDisabled, InterruptResponse: true}, false},
		{session.TurnDetectionConfig{Mode: session.TurnDetectionServerVAD, InterruptResponse: false}, false},
		{session.TurnDetectionConfig{Mode: session.TurnDetectionServerVAD, InterruptResponse: true}, true},
	}
	for _, c := range cases {
		if got := interruptAllowed(c.cfg); got != c.want {
			t.Errorf("interruptAllowed(%+v) = %v, want %v", c.cfg, got, c.want)
		}
	}
}
