package framebuffer

import "testing"

func fakeClock(start int64) (now func() int64, advance func(int64)) {
	t := start
	return func() int64 { return t }, func(d int64) { t += d }
}

func TestAppendFlushesAtTarget(t *testing.T) {
	now, _ := fakeClock(0)
	b := New(100, 1000, now)

	if block := b.Append(make([]int16, 50)); block != nil {
		t.Fatalf("expected no flush at 50/100 samples, got block of %d", len(block))
	}

	block := b.Append(make([]int16, 50))
	if len(block) != 100 {
		t.Fatalf("expected flush of 100 samples, got %d", len(block))
	}
}

func TestAppendFlushesOversizedBlockWhole(t *testing.T) {
	now, _ := fakeClock(0)
	b := New(100, 1000, now)

	block := b.Append(make([]int16, 150))
	if len(block) != 150 {
		t.Fatalf("expected the whole 150-sample append flushed, got %d", len(block))
	}
}

func TestTickForcesFlushAfterInterval(t *testing.T) {
	now, advance := fakeClock(0)
	b := New(2400, 100, now)

	b.Append(make([]int16, 10))
	if block := b.Tick(); block != nil {
		t.Fatalf("expected no flush before interval elapses, got block of %d", len(block))
	}

	advance(150)
	block := b.Tick()
	if len(block) != 10 {
		t.Fatalf("expected forced flush of 10 samples, got %d", len(block))
	}
	if len(block) == 0 || len(block) >= b.TargetSamples {
		t.Fatalf("partial flush should be below target samples")
	}
}

func TestTickNoOpWhenEmpty(t *testing.T) {
	now, advance := fakeClock(0)
	b := New(2400, 100, now)
	advance(500)
	if block := b.Tick(); block != nil {
		t.Fatalf("expected nil for empty buffer, got block of %d", len(block))
	}
}

func TestDrainReturnsPartialWithoutMinimum(t *testing.T) {
	now, _ := fakeClock(0)
	b := New(2400, 100, now)

	b.Append(make([]int16, 7))
	block := b.Drain()
	if len(block) != 7 {
		t.Fatalf("expected drain of 7 samples, got %d", len(block))
	}
}

func TestDrainEmptyReturnsNil(t *testing.T) {
	now, _ := fakeClock(0)
	b := New(2400, 100, now)
	if block := b.Drain(); block != nil {
		t.Fatalf("expected nil drain on empty buffer, got %d samples", len(block))
	}
}
