// Package eventbus fans engine activity out to in-process observers.
//
// The engine publishes one event per tick and one per order outcome
// (executed, failed, completed, settlement conflict); the app subscribes to
// trace executions in the log without touching the notification stream.
// Delivery is best effort: Publish never blocks the settle path, a subscriber
// that falls behind loses events, and the bus counts what it dropped.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event carries one engine occurrence. Data is a small domain payload such
// as an order id and amount; subscribers type-assert what they care about.
type Event struct {
	Type string
	At   time.Time
	Data any
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish runs
// entirely on the caller.
func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish stamps and delivers the event to every subscriber that has buffer
// space. It never blocks, so the engine's tick cadence is independent of how
// fast observers drain.
func (b *Bus) Publish(typ string, data any) {
	e := Event{Type: typ, At: time.Now(), Data: data}

	// Snapshot subscribers so sends happen outside the lock.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close the channel mid-send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full. A rising count means an observer needs a bigger buffer or
// a faster drain.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
