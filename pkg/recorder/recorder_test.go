package recorder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readHeader(t *testing.T, path string) (fileSize uint32, dataSize uint32) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(b) < wavHeaderSize {
		t.Fatalf("file too short for a WAV header: %d bytes", len(b))
	}
	fileSize = binary.LittleEndian.Uint32(b[4:8]) + 8
	dataSize = binary.LittleEndian.Uint32(b[40:44])
	return fileSize, dataSize
}

func TestHeaderDataSizeMatchesFileSizeOnStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "call.wav")

	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	samples := make([]int16, wavSampleRate) // 1 second of samples, forces >= min duration
	for i := range samples {
		samples[i] = 1000
	}
	r.IngestUser(samples, 0)

	result := r.Stop()
	if result.Discarded {
		t.Fatal("expected a 1-second recording not to be discarded")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	_, dataSize := readHeader(t, path)
	if uint32(info.Size())-wavHeaderSize != dataSize {
		t.Errorf("data size field = %d, want fileSize-44 = %d", dataSize, uint32(info.Size())-wavHeaderSize)
	}
}

func TestShortRecordingDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")

	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 400ms of samples — below the 1-second minimum.
	r.IngestUser(make([]int16, wavSampleRate*4/10), 0)

	result := r.Stop()
	if !result.Discarded {
		t.Fatal("expected short recording to be discarded")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected discarded recording file to be removed")
	}
}

func TestMixesBothTracksTogether(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.wav")

	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n := wavSampleRate
	user := make([]int16, n)
	assistant := make([]int16, n)
	for i := 0; i < n; i++ {
		user[i] = 1000
		assistant[i] = 2000
	}
	// Ingest in alternating chunks below mixSampleThreshold so both queues
	// hold audio when a mix cycle fires; a single 1-second ingest would
	// cross the threshold and mix the user track on its own.
	const chunk = 1000
	for off := 0; off < n; off += chunk {
		r.IngestUser(user[off:off+chunk], 0)
		r.IngestAssistant(assistant[off:off+chunk], 0)
	}

	result := r.Stop()
	if result.Discarded {
		t.Fatal("expected recording to survive")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	pcm := raw[wavHeaderSize:]
	if len(pcm) < 2 {
		t.Fatal("expected mixed PCM data")
	}
	firstSample := int16(binary.LittleEndian.Uint16(pcm[0:2]))
	// mean of 1000 and 2000, rounded.
	if firstSample != 1500 {
		t.Errorf("first mixed sample = %d, want 1500", firstSample)
	}
}

func TestIngestStopsAfterFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fail.wav")

	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.file.Close() // force the next write to fail
	r.IngestUser(make([]int16, mixSampleThreshold), 0)

	if !r.Failed() {
		t.Fatal("expected recorder to enter failed state after a write error")
	}

	result := r.Stop()
	if !result.Discarded {
		t.Fatal("expected a failed recording to be discarded")
	}
}

func TestTickForcesMixAfterInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tick.wav")

	r, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fakeNow := r.lastMixAt
	r.nowFn = func() time.Time { return fakeNow }

	r.IngestUser(make([]int16, 100), 0) // well under the sample threshold

	fakeNow = fakeNow.Add(600 * time.Millisecond)
	r.Tick()

	r.mu.Lock()
	pending := len(r.pendingUser)
	r.mu.Unlock()
	if pending != 0 {
		t.Errorf("expected Tick to flush pending samples after the interval, %d still pending", pending)
	}

	r.Stop()
}
