package queue

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
)

func entryWithHandle(handle uint32, arrival time.Time, timeout time.Duration) *Entry {
	return &Entry{
		Request: &ua.PublishRequest{
			RequestHeader: &ua.RequestHeader{RequestHandle: handle},
		},
		ArrivalTime: arrival,
		TimeoutHint: timeout,
	}
}

func TestPushAndPopOldestPreservesOrder(t *testing.T) {
	q := New(10)
	now := time.Now()

	q.Push(entryWithHandle(1, now, 0))
	q.Push(entryWithHandle(2, now, 0))
	q.Push(entryWithHandle(3, now, 0))

	for _, want := range []uint32{1, 2, 3} {
		e, ok := q.PopOldest()
		if !ok {
			t.Fatalf("expected an entry, got none")
		}
		if e.RequestHandle() != want {
			t.Fatalf("PopOldest() handle = %d, want %d", e.RequestHandle(), want)
		}
	}

	if _, ok := q.PopOldest(); ok {
		t.Fatalf("expected empty queue, got an entry")
	}
}

func TestFull(t *testing.T) {
	q := New(2)
	now := time.Now()

	if q.Full() {
		t.Fatalf("empty queue reported Full()")
	}
	q.Push(entryWithHandle(1, now, 0))
	q.Push(entryWithHandle(2, now, 0))
	if !q.Full() {
		t.Fatalf("queue at capacity did not report Full()")
	}
}

func TestPopExpiredPreservesOrderOfSurvivors(t *testing.T) {
	q := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push(entryWithHandle(1, base, 10*time.Second))                      // expires at +10s
	q.Push(entryWithHandle(2, base, 0))                                   // never expires
	q.Push(entryWithHandle(3, base.Add(5*time.Second), 10*time.Second))   // expires at +15s

	now := base.Add(11 * time.Second)
	expired := q.PopExpired(now)

	if len(expired) != 1 || expired[0].RequestHandle() != 1 {
		t.Fatalf("PopExpired() = %v handles, want [1]", handles(expired))
	}
	if q.Len() != 2 {
		t.Fatalf("Len() after PopExpired = %d, want 2", q.Len())
	}

	e, ok := q.PopOldest()
	if !ok || e.RequestHandle() != 2 {
		t.Fatalf("first survivor handle = %v, want 2", e)
	}
}

func handles(entries []*Entry) []uint32 {
	out := make([]uint32, len(entries))
	for i, e := range entries {
		out[i] = e.RequestHandle()
	}
	return out
}
