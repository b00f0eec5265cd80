package notification

import "testing"

func TestMemorySourceHarvestOrderAndRemainder(t *testing.T) {
	m := NewMemorySource()
	if m.HasPendingNotifications() {
		t.Fatalf("fresh source reported pending notifications")
	}

	for _, h := range []uint32{1, 2, 3} {
		m.Publish(Notification{ClientHandle: h})
	}
	if !m.HasPendingNotifications() {
		t.Fatalf("expected pending notifications after Publish")
	}

	items, more := m.HarvestNotifications(2)
	if !more {
		t.Fatalf("expected more pending after partial harvest")
	}
	if len(items) != 2 || items[0].ClientHandle != 1 || items[1].ClientHandle != 2 {
		t.Fatalf("unexpected harvest order: %+v", items)
	}

	items, more = m.HarvestNotifications(0)
	if more {
		t.Fatalf("expected no more pending after full harvest")
	}
	if len(items) != 1 || items[0].ClientHandle != 3 {
		t.Fatalf("unexpected remaining items: %+v", items)
	}

	if m.HasPendingNotifications() {
		t.Fatalf("source reported pending after full drain")
	}
}

func TestMemorySourceHarvestEmpty(t *testing.T) {
	m := NewMemorySource()
	items, more := m.HarvestNotifications(5)
	if items != nil || more {
		t.Fatalf("HarvestNotifications on empty source = (%v, %v), want (nil, false)", items, more)
	}
}
