package bus

import (
	"testing"
	"time"
)

func TestCorrelatorCompletesExactlyOnce(t *testing.T) {
	c := NewCorrelator()
	ch := c.Register("R1", time.Now().Add(time.Second))

	resp := Envelope{Type: TypeResponse, RequestID: "R1"}
	if !c.Complete(resp) {
		t.Fatal("first completion should succeed")
	}
	if c.Complete(resp) {
		t.Fatal("duplicate response must be dropped")
	}
	if c.DroppedCount() != 1 {
		t.Fatalf("dropped = %d, want 1", c.DroppedCount())
	}

	select {
	case got := <-ch:
		if got.RequestID != "R1" {
			t.Fatalf("got requestId %s", got.RequestID)
		}
	default:
		t.Fatal("response not delivered to waiter")
	}

	// Exactly one delivery.
	select {
	case <-ch:
		t.Fatal("second delivery observed")
	default:
	}
}

func TestCorrelatorUnknownResponseDropped(t *testing.T) {
	c := NewCorrelator()
	if c.Complete(Envelope{RequestID: "never-registered"}) {
		t.Fatal("unknown requestId should not complete")
	}
	if c.DroppedCount() != 1 {
		t.Fatalf("dropped = %d, want 1", c.DroppedCount())
	}
}

func TestCorrelatorDropRemovesEntry(t *testing.T) {
	c := NewCorrelator()
	c.Register("R2", time.Now().Add(time.Second))
	c.Drop("R2")

	if c.Complete(Envelope{RequestID: "R2"}) {
		t.Fatal("response after Drop should be discarded")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0", c.PendingCount())
	}
}

func TestCorrelatorSweepEvictsExpired(t *testing.T) {
	c := NewCorrelator()
	c.Register("old", time.Now().Add(-time.Second))
	c.Register("fresh", time.Now().Add(time.Minute))

	if n := c.Sweep(time.Now()); n != 1 {
		t.Fatalf("swept %d entries, want 1", n)
	}
	if c.ExpiredCount() != 1 {
		t.Fatalf("expired = %d, want 1", c.ExpiredCount())
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingCount())
	}
	if c.Complete(Envelope{RequestID: "old"}) {
		t.Fatal("swept entry must not complete")
	}
}

func TestCorrelatorTouchExtendsDeadline(t *testing.T) {
	c := NewCorrelator()
	c.Register("R3", time.Now().Add(10*time.Millisecond))
	c.Touch("R3", time.Now().Add(time.Minute))

	if n := c.Sweep(time.Now().Add(time.Second)); n != 0 {
		t.Fatalf("swept %d entries after touch, want 0", n)
	}
}
