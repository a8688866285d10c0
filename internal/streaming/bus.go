package streaming

import (
	"sync"
	"time"
)

// Bus is the event channel of a single import run. Subscribers are invoked
// synchronously, on the publisher's goroutine, in subscription order.
// Events are not persisted; a subscriber only sees events published after
// it subscribed.
type Bus struct {
	mu   sync.Mutex
	subs []func(Event)
	seq  int64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every subsequent event on the bus.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish stamps the event with the next sequence number and delivers it to
// all subscribers in order. A zero timestamp is filled in with the current
// time.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.seq++
	event.Seq = b.seq
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}
