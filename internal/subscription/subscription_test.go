package subscription

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-publish-engine/internal/notification"
	"github.com/rs/zerolog"
)

func newTestSubscription(t *testing.T, cfg Config) *Subscription {
	t.Helper()
	if cfg.ID == 0 {
		cfg.ID = 1234
	}
	if cfg.PublishingInterval == 0 {
		cfg.PublishingInterval = time.Second
	}
	cfg.PublishingEnabled = true
	return New(cfg, zerolog.Nop())
}

func TestLifeTimeCountCoercion(t *testing.T) {
	sub := newTestSubscription(t, Config{MaxKeepAliveCount: 4})
	if got := sub.TimeToExpiration(); got != 12*time.Second {
		t.Fatalf("TimeToExpiration() = %v, want 12s (3*maxKeepAliveCount)", got)
	}
}

func TestFirstTickAlwaysWantsRequest(t *testing.T) {
	sub := newTestSubscription(t, Config{MaxKeepAliveCount: 20, LifeTimeCount: 1000})
	now := time.Now()
	if action := sub.Tick(now); action != ActionWantsRequest {
		t.Fatalf("first Tick() = %v, want ActionWantsRequest", action)
	}
}

func TestAvailableSequenceNumbersAscendingAndNextSequenceInvariant(t *testing.T) {
	sub := newTestSubscription(t, Config{MaxKeepAliveCount: 20, LifeTimeCount: 1000})
	src := notification.NewMemorySource()
	sub.AttachMonitoredItem(src)

	now := time.Now()
	sub.Tick(now) // CREATING -> wants request
	resp := sub.Consume(1, now, nil)
	if resp == nil {
		t.Fatalf("Consume() returned nil")
	}

	src.Publish(notification.Notification{ClientHandle: 1})
	sub.Tick(now)
	resp = sub.Consume(2, now, nil)

	seqs := sub.AvailableSequenceNumbers()
	if len(seqs) != 1 || seqs[0] != resp.NotificationMessage.SequenceNumber {
		t.Fatalf("AvailableSequenceNumbers() = %v, want [%d]", seqs, resp.NotificationMessage.SequenceNumber)
	}

	src.Publish(notification.Notification{ClientHandle: 1})
	sub.Tick(now)
	sub.Consume(3, now, nil)

	seqs = sub.AvailableSequenceNumbers()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("AvailableSequenceNumbers() not ascending: %v", seqs)
		}
	}
	if last := seqs[len(seqs)-1]; sub.nextSequenceNumber <= last {
		t.Fatalf("nextSequenceNumber = %d, want > %d", sub.nextSequenceNumber, last)
	}
}

func TestProcessAcknowledgementKnownAndUnknown(t *testing.T) {
	sub := newTestSubscription(t, Config{MaxKeepAliveCount: 20, LifeTimeCount: 1000})
	src := notification.NewMemorySource()
	sub.AttachMonitoredItem(src)

	now := time.Now()
	src.Publish(notification.Notification{ClientHandle: 1})
	sub.Tick(now)
	resp := sub.Consume(1, now, nil)
	seq := resp.NotificationMessage.SequenceNumber

	if got := sub.ProcessAcknowledgement(seq + 999); got != ua.StatusBadSequenceNumberUnknown {
		t.Fatalf("ack on unknown seq = %v, want BadSequenceNumberUnknown", got)
	}
	if seqs := sub.AvailableSequenceNumbers(); len(seqs) != 1 {
		t.Fatalf("unknown ack mutated sentNotifications: %v", seqs)
	}

	if got := sub.ProcessAcknowledgement(seq); got != ua.StatusOK {
		t.Fatalf("ack on known seq = %v, want StatusOK", got)
	}
	if seqs := sub.AvailableSequenceNumbers(); len(seqs) != 0 {
		t.Fatalf("known ack did not remove seq: %v", seqs)
	}
}

func TestClosedIsSticky(t *testing.T) {
	sub := newTestSubscription(t, Config{MaxKeepAliveCount: 1})
	now := time.Now()

	action := sub.Tick(now) // CREATING -> wants request; EnterLate below is what lets later ticks reach closed
	if action != ActionWantsRequest {
		t.Fatalf("first Tick() = %v, want ActionWantsRequest", action)
	}
	sub.EnterLate()

	var closedAt time.Time
	reachedClosed := false
	for i := 1; i <= 10; i++ {
		tickTime := now.Add(time.Duration(i) * time.Second)
		if sub.Tick(tickTime) == ActionEnteredClosed {
			closedAt = tickTime
			reachedClosed = true
			break
		}
	}
	if !reachedClosed {
		t.Fatalf("subscription never reached ActionEnteredClosed while LATE")
	}
	if sub.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", sub.State())
	}

	for i := 1; i <= 5; i++ {
		action := sub.Tick(closedAt.Add(time.Duration(i) * time.Second))
		if action != ActionNone {
			t.Fatalf("Tick() on closed subscription = %v, want ActionNone", action)
		}
		if sub.State() != StateClosed {
			t.Fatalf("State() drifted away from StateClosed: %v", sub.State())
		}
	}
}

func TestRetransmissionQueueEvictsOldestAtCapacity(t *testing.T) {
	sub := newTestSubscription(t, Config{
		MaxKeepAliveCount:         5,
		LifeTimeCount:             1000,
		MaxRetransmissionQueueLen: 2,
	})
	src := notification.NewMemorySource()
	sub.AttachMonitoredItem(src)

	now := time.Now()
	var lastSeqs []uint32
	for i := 0; i < 3; i++ {
		src.Publish(notification.Notification{ClientHandle: 1})
		sub.Tick(now)
		resp := sub.Consume(uint32(i+1), now, nil)
		lastSeqs = append(lastSeqs, resp.NotificationMessage.SequenceNumber)
	}

	seqs := sub.AvailableSequenceNumbers()
	if len(seqs) != 2 {
		t.Fatalf("AvailableSequenceNumbers() = %v, want length 2", seqs)
	}
	if seqs[0] != lastSeqs[1] || seqs[1] != lastSeqs[2] {
		t.Fatalf("AvailableSequenceNumbers() = %v, want [%d %d]", seqs, lastSeqs[1], lastSeqs[2])
	}
}
