package notification

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type fallibleStub struct {
	items   []Notification
	more    bool
	failure error
}

func (f *fallibleStub) HasPendingNotifications() bool { return len(f.items) > 0 }

func (f *fallibleStub) HarvestNotifications(max int) ([]Notification, bool) {
	items, more, err := f.TryHarvestNotifications(max)
	if err != nil {
		return nil, false
	}
	return items, more
}

func (f *fallibleStub) TryHarvestNotifications(max int) ([]Notification, bool, error) {
	if f.failure != nil {
		return nil, false, f.failure
	}
	return f.items, f.more, nil
}

func tripOnFirstFailure() gobreaker.Settings {
	return gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}
}

func TestCircuitBreakerSourcePassesThroughSuccess(t *testing.T) {
	inner := &fallibleStub{items: []Notification{{ClientHandle: 7}}, more: false}
	src := NewCircuitBreakerSource(inner, tripOnFirstFailure(), zerolog.Nop())

	items, more := src.HarvestNotifications(0)
	if len(items) != 1 || items[0].ClientHandle != 7 || more {
		t.Fatalf("HarvestNotifications() = (%v, %v), want ([{7}], false)", items, more)
	}
}

func TestCircuitBreakerSourceOpensOnFailure(t *testing.T) {
	inner := &fallibleStub{failure: errors.New("device unreachable")}
	src := NewCircuitBreakerSource(inner, tripOnFirstFailure(), zerolog.Nop())

	items, more := src.HarvestNotifications(0)
	if items != nil || more {
		t.Fatalf("HarvestNotifications() on failing source = (%v, %v), want (nil, false)", items, more)
	}

	if src.HasPendingNotifications() {
		t.Fatalf("HasPendingNotifications() should report false once the breaker is open")
	}
}
