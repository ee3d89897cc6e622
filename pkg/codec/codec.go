// Package codec implements the pure audio transforms the bridge needs:
// µ-law 8kHz ↔ linear PCM16 24kHz, and a simple two-track mixer.
//
// ============================================
// AUDIO FORMAT CONVERSION
// ============================================
// - mulaw 8kHz → PCM16 24kHz (telephony → AI realtime peer)
// - PCM16 24kHz → mulaw 8kHz (AI realtime peer → telephony)
// - Two-track mix-down for the recorder
// ============================================
package codec

import "math"

const (
	// TelephonySampleRate is the µ-law sample rate used by the telephony peer.
	TelephonySampleRate = 8000
	// RealtimeSampleRate is the linear PCM16 sample rate used by the AI peer and recorder.
	RealtimeSampleRate = 24000
	// upsampleFactor is RealtimeSampleRate / TelephonySampleRate.
	upsampleFactor = RealtimeSampleRate / TelephonySampleRate
)

// MulawToPCM24k decodes 8-bit µ-law to 16-bit linear PCM at 8kHz, then
// upsamples 3x to 24kHz using repeat-then-smooth: each decoded sample is
// repeated upsampleFactor times and a 3-tap moving average is applied
// across the resulting stream to knock down the step discontinuities a
// bare repeat would introduce.
func MulawToPCM24k(mulawData []byte) []int16 {
	if len(mulawData) == 0 {
		return nil
	}

	pcm8k := decodeMulaw(mulawData)

	repeated := make([]int16, len(pcm8k)*upsampleFactor)
	for i, s := range pcm8k {
		base := i * upsampleFactor
		for j := 0; j < upsampleFactor; j++ {
			repeated[base+j] = s
		}
	}

	return smooth3(repeated)
}

// PCM24kToMulaw downsamples 24kHz linear PCM16 to 8kHz by averaging each
// non-overlapping triple of samples (the minimum acceptable anti-alias per
// the spec), then µ-law encodes.
func PCM24kToMulaw(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}

	numOut := len(samples) / upsampleFactor
	pcm8k := make([]int16, numOut)
	for i := 0; i < numOut; i++ {
		base := i * upsampleFactor
		var sum int32
		for j := 0; j < upsampleFactor; j++ {
			sum += int32(samples[base+j])
		}
		pcm8k[i] = int16(sum / upsampleFactor)
	}

	return encodeMulaw(pcm8k)
}

// Mix averages two PCM16 streams sample-by-sample, zero-padding whichever
// input is shorter, and clips to the 16-bit signed range.
func Mix(a, b []int16) []int16 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var av, bv int32
		if i < len(a) {
			av = int32(a[i])
		}
		if i < len(b) {
			bv = int32(b[i])
		}
		out[i] = clampInt16(roundDiv2(av + bv))
	}
	return out
}

// smooth3 applies a 3-tap box filter (average of i-1, i, i+1, clamped at
// the edges) to knock down the steps left by sample-and-hold upsampling.
func smooth3(samples []int16) []int16 {
	out := make([]int16, len(samples))
	for i := range samples {
		prev, next := i, i
		if i > 0 {
			prev = i - 1
		}
		if i < len(samples)-1 {
			next = i + 1
		}
		sum := int32(samples[prev]) + int32(samples[i]) + int32(samples[next])
		out[i] = int16(sum / 3)
	}
	return out
}

func roundDiv2(sum int32) int32 {
	if sum >= 0 {
		return (sum + 1) / 2
	}
	return (sum - 1) / 2
}

func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// decodeMulaw decodes mulaw encoded audio (G.711) to 16-bit linear PCM samples.
func decodeMulaw(mulawData []byte) []int16 {
	pcm := make([]int16, len(mulawData))

	for i, raw := range mulawData {
		// Complement the mulaw byte (flip all bits) — it is transmitted inverted.
		b := raw ^ 0xFF

		sign := int16(1)
		if (b & 0x80) != 0 {
			sign = -1
		}

		exponent := (b >> 4) & 0x07
		mantissa := b & 0x0F

		sample := sign * ((((int16(mantissa) << 3) + 0x84) << exponent) - 0x84)
		pcm[i] = sample
	}

	return pcm
}

// encodeMulaw encodes 16-bit linear PCM samples to mulaw (G.711).
func encodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, sample := range pcm {
		out[i] = linearToMulaw(sample)
	}
	return out
}

// linearToMulaw converts a single linear 16-bit PCM sample to mulaw.
func linearToMulaw(sample int16) byte {
	sign := int16(1)
	if sample < 0 {
		sign = -1
		sample = -sample
	}

	// -32768 stays negative after negation; clip it with the large values.
	if sample > 32635 || sample < 0 {
		sample = 32635
	}
	sample += 0x84

	exponent := int16(7)
	for exp := int16(0); exp < 7; exp++ {
		if sample < (int16(0x100) << exp) {
			exponent = exp
			break
		}
	}

	mantissa := (sample >> (exponent + 3)) & 0x0F

	mulawByte := byte((exponent << 4) | mantissa)
	if sign < 0 {
		mulawByte |= 0x80
	}

	// Invert for transmission (MSB is sign bit).
	return mulawByte ^ 0xFF
}
