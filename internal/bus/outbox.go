package bus

import "sync"

type outMsg struct {
	channel string
	data    []byte
}

// outbox holds outbound messages while the transport is down. Bounded:
// beyond cap, publishes fail fast instead of growing without limit.
type outbox struct {
	mu   sync.Mutex
	cap  int
	msgs []outMsg
}

func newOutbox(capacity int) *outbox {
	return &outbox{cap: capacity}
}

// add returns false when the buffer is full.
func (o *outbox) add(channel string, data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) >= o.cap {
		return false
	}
	o.msgs = append(o.msgs, outMsg{channel: channel, data: data})
	return true
}

// drain removes and returns everything, oldest first.
func (o *outbox) drain() []outMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

// restore puts undelivered messages back at the front, preserving order.
func (o *outbox) restore(msgs []outMsg) {
	if len(msgs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(msgs, o.msgs...)
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}
