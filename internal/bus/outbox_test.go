package bus

import "testing"

func TestOutboxBoundedAdd(t *testing.T) {
	o := newOutbox(2)

	if !o.add("a", []byte("1")) || !o.add("a", []byte("2")) {
		t.Fatal("adds under cap must succeed")
	}
	if o.add("a", []byte("3")) {
		t.Fatal("add past cap must fail")
	}
	if o.size() != 2 {
		t.Fatalf("size = %d, want 2", o.size())
	}
}

func TestOutboxDrainOldestFirst(t *testing.T) {
	o := newOutbox(4)
	o.add("orders", []byte("first"))
	o.add("fills", []byte("second"))

	msgs := o.drain()
	if len(msgs) != 2 || string(msgs[0].data) != "first" || string(msgs[1].data) != "second" {
		t.Fatalf("drain = %v", msgs)
	}
	if o.size() != 0 {
		t.Fatalf("size after drain = %d", o.size())
	}
	if got := o.drain(); len(got) != 0 {
		t.Fatalf("second drain = %v", got)
	}
}

func TestOutboxRestorePrepends(t *testing.T) {
	o := newOutbox(4)
	o.add("a", []byte("1"))
	o.add("a", []byte("2"))

	undelivered := o.drain()[1:] // "2" failed mid-flush
	o.add("a", []byte("3"))      // arrived while flushing
	o.restore(undelivered)

	msgs := o.drain()
	if len(msgs) != 2 || string(msgs[0].data) != "2" || string(msgs[1].data) != "3" {
		t.Fatalf("restore order = %v", msgs)
	}
}
