// Package framebuffer accumulates the ~20ms PCM16 chunks the telephony peer
// produces into ~100ms blocks sized for the AI realtime peer, bounding
// added latency with a periodic forced flush.
package framebuffer

import "sync"

const (
	// DefaultTargetSamples is 100ms at 24kHz mono.
	DefaultTargetSamples = 2400
	// DefaultFlushIntervalMs bounds how long a partial block may sit unflushed.
	DefaultFlushIntervalMs = 100
)

// Buffer accumulates PCM16 samples and flushes them in blocks of at least
// TargetSamples, or sooner if FlushIntervalMs elapses with samples held.
// Safe for concurrent Append/Tick/Drain from different goroutines.
type Buffer struct {
	mu             sync.Mutex
	held           []int16
	TargetSamples  int
	FlushInterval  int64 // milliseconds
	lastFlushAtMs  int64
	nowMs          func() int64
}

// New creates a Buffer with the given target block size and flush interval.
// A zero value for either falls back to the spec defaults.
func New(targetSamples int, flushIntervalMs int, nowMs func() int64) *Buffer {
	if targetSamples <= 0 {
		targetSamples = DefaultTargetSamples
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = DefaultFlushIntervalMs
	}
	return &Buffer{
		TargetSamples: targetSamples,
		FlushInterval: int64(flushIntervalMs),
		nowMs:         nowMs,
		lastFlushAtMs: nowMs(),
	}
}

// Append accumulates samples. It returns a flushed block if the held
// samples have reached TargetSamples; otherwise it returns nil.
func (b *Buffer) Append(samples []int16) []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.held = append(b.held, samples...)

	if len(b.held) >= b.TargetSamples {
		return b.flushLocked()
	}
	return nil
}

// Tick is called periodically (every ~50ms per the spec) to force a flush
// of a partial block once FlushInterval has elapsed since the last flush.
// Returns nil if nothing is held or the interval hasn't elapsed.
func (b *Buffer) Tick() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.held) == 0 {
		return nil
	}
	if b.nowMs()-b.lastFlushAtMs < b.FlushInterval {
		return nil
	}
	return b.flushLocked()
}

// Drain returns whatever is held at shutdown, possibly empty, and resets
// the buffer. There is no minimum size for a drained block (spec.md §9,
// open question 1 — see DESIGN.md).
func (b *Buffer) Drain() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Buffer) flushLocked() []int16 {
	if len(b.held) == 0 {
		b.lastFlushAtMs = b.nowMs()
		return nil
	}
	out := b.held
	b.held = nil
	b.lastFlushAtMs = b.nowMs()
	return out
}
