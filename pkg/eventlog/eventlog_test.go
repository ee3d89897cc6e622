package eventlog

import (
	"strconv"
	"testing"
)

func newTestLog() *Log {
	n := 0
	return New(func() string {
		n++
		return strconv.Itoa(n)
	})
}

func TestRecordOrderPreservedForSubscriber(t *testing.T) {
	l := newTestLog()
	_, ch := l.Subscribe()

	l.Record("CA1", KindCallStarted, DirectionIncoming, nil)
	l.Record("CA1", KindSessionCreated, DirectionIncoming, nil)

	first := <-ch
	second := <-ch

	if first.Kind != KindCallStarted || second.Kind != KindSessionCreated {
		t.Fatalf("got order %v, %v; want call.started then session.created", first.Kind, second.Kind)
	}
}

func TestRecentCapsAt50(t *testing.T) {
	l := newTestLog()
	for i := 0; i < 75; i++ {
		l.Record("CA1", KindMark, DirectionIncoming, i)
	}

	recent := l.Recent()
	if len(recent) != 50 {
		t.Fatalf("len(Recent()) = %d, want 50", len(recent))
	}
	// Last recorded payload should be 74.
	if recent[len(recent)-1].Payload != 74 {
		t.Errorf("last recent payload = %v, want 74", recent[len(recent)-1].Payload)
	}
}

func TestRingTrimsInBulkAtCapacity(t *testing.T) {
	l := newTestLog()
	for i := 0; i < ringCap+1; i++ {
		l.Record("CA1", KindMark, DirectionIncoming, i)
	}

	l.mu.Lock()
	size := len(l.ring)
	l.mu.Unlock()

	if size != ringCap-trimBulk {
		t.Fatalf("ring size after trim = %d, want %d", size, ringCap-trimBulk)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	l := newTestLog()
	id, ch := l.Subscribe()
	l.Unsubscribe(id)

	l.Record("CA1", KindMark, DirectionIncoming, nil)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe, got a delivered record")
	}
}

func TestSlowSubscriberDoesNotBlockRecord(t *testing.T) {
	l := newTestLog()
	_, ch := l.Subscribe()
	_ = ch // never drained

	for i := 0; i < fanoutBuffer+10; i++ {
		l.Record("CA1", KindMark, DirectionIncoming, i)
	}
	// If Record blocked on the full channel, this test would hang and fail via timeout.
}
