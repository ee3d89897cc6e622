// Package recorder implements the per-session two-track ingest and
// periodic mix-down to a single RIFF/WAVE file (spec.md §4.3).
//
// ============================================
// RECORDER
// Timestamped two-track ingest, periodic mix, container finalize
// ============================================
package recorder

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jwillz7667/voiceaipro-sub000/pkg/codec"
)

const (
	// mixSampleThreshold is 500ms at 24kHz mono — a queue reaching this many
	// accumulated samples forces a mix cycle even before the time threshold.
	mixSampleThreshold = 12000
	// mixIntervalMs forces a mix cycle if this much time has elapsed since
	// the previous one, independent of queue size.
	mixIntervalMs = 500
	// minDurationSeconds: artifacts shorter than this are discarded on Stop.
	minDurationSeconds = 1
)

// Result describes a finalized recording, or a discarded one (spec.md §3
// Recording / §4.3 "If the final duration is < 1 second, the artifact is
// discarded").
type Result struct {
	Path            string
	DurationSeconds int
	Bytes           int64
	Discarded       bool
}

// Recorder ingests user/assistant PCM16@24kHz audio on separate FIFOs and
// periodically mixes them down to disk. One Recorder per call session.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	dataSize uint32
	failed   bool
	stopped  bool

	pendingUser       []int16
	pendingAssistant  []int16
	lastMixAt         time.Time

	nowFn func() time.Time
}

// New opens path for writing and reserves a placeholder WAV header,
// matching the teacher's recorder.go open-then-patch lifecycle. The parent
// directory must already exist; New does not create it.
func New(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create file: %w", err)
	}
	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("recorder: write placeholder header: %w", err)
	}

	return &Recorder{
		file:      f,
		path:      path,
		lastMixAt: time.Now(),
		nowFn:     time.Now,
	}, nil
}

// IngestUser appends user-track PCM16@24kHz samples to the FIFO.
// relativeTs (ms since session start) is accepted for API symmetry with
// the spec's contract; ordering within a track is FIFO, not timestamp-seek.
func (r *Recorder) IngestUser(samples []int16, relativeTs int64) {
	r.ingest(samples, true)
}

// IngestAssistant appends assistant-track PCM16@24kHz samples to the FIFO.
func (r *Recorder) IngestAssistant(samples []int16, relativeTs int64) {
	r.ingest(samples, false)
}

func (r *Recorder) ingest(samples []int16, userTrack bool) {
	if len(samples) == 0 {
		return
	}

	r.mu.Lock()
	if r.failed || r.stopped {
		r.mu.Unlock()
		return
	}
	if userTrack {
		r.pendingUser = append(r.pendingUser, samples...)
	} else {
		r.pendingAssistant = append(r.pendingAssistant, samples...)
	}
	shouldMix := len(r.pendingUser) >= mixSampleThreshold || len(r.pendingAssistant) >= mixSampleThreshold
	r.mu.Unlock()

	if shouldMix {
		r.mixCycle()
	}
}

// Tick is called periodically (e.g. every ~50ms alongside the frame
// buffer's own ticker) and forces a mix cycle once mixIntervalMs has
// elapsed since the previous one, even if neither queue hit the sample
// threshold.
func (r *Recorder) Tick() {
	r.mu.Lock()
	if r.failed || r.stopped {
		r.mu.Unlock()
		return
	}
	elapsed := r.nowFn().Sub(r.lastMixAt)
	hasPending := len(r.pendingUser) > 0 || len(r.pendingAssistant) > 0
	r.mu.Unlock()

	if hasPending && elapsed >= mixIntervalMs*time.Millisecond {
		r.mixCycle()
	}
}

// mixCycle concatenates each track's pending samples, mixes them down via
// codec.Mix, writes the result, and resets both queues. On a disk write
// failure the recorder moves to a failed state and stops accepting
// further ingest, without touching the rest of the bridge (spec.md §4.3
// failure semantics).
func (r *Recorder) mixCycle() {
	r.mu.Lock()
	if r.failed || r.stopped {
		r.mu.Unlock()
		return
	}
	user := r.pendingUser
	assistant := r.pendingAssistant
	r.pendingUser = nil
	r.pendingAssistant = nil
	r.lastMixAt = r.nowFn()
	r.mu.Unlock()

	if len(user) == 0 && len(assistant) == 0 {
		return
	}

	mixed := codec.Mix(user, assistant)
	r.write(mixed)
}

func (r *Recorder) write(samples []int16) {
	data := samplesToBytes(samples)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed || r.stopped {
		return
	}

	n, err := r.file.Write(data)
	if err != nil {
		r.failed = true
		log.Printf("[recorder] %s: write failed, recording abandoned: %v", r.path, err)
		return
	}
	r.dataSize += uint32(n)
}

// Failed reports whether a disk write error has put the recorder into its
// terminal failed state.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Stop runs one final mix cycle, patches the WAV header with the true
// data size, and closes the file. If the resulting duration is under the
// 1-second minimum, the partial file is removed and Result.Discarded is
// true.
func (r *Recorder) Stop() Result {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Result{Path: r.path}
	}
	r.stopped = true
	failed := r.failed
	r.mu.Unlock()

	if !failed {
		r.mixCycle()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	durationSeconds := int(r.dataSize) / wavByteRate

	if !failed {
		if _, err := r.file.Seek(0, 0); err == nil {
			_ = writeWAVHeader(r.file, r.dataSize)
		}
	}
	r.file.Close()

	if failed || durationSeconds < minDurationSeconds {
		os.Remove(r.path)
		return Result{Path: r.path, Discarded: true}
	}

	return Result{
		Path:            r.path,
		DurationSeconds: durationSeconds,
		Bytes:           int64(r.dataSize) + wavHeaderSize,
	}
}
